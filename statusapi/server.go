// Package statusapi serves a read-only JSON view of pipeline runs over HTTP.
//
//	GET /health
//	GET /runs/:id                  run with aggregate counts
//	GET /runs/:id/resources        resource-runs and their steps (?status=Failed filters)
//	GET /runs/:id/incomplete       resource ids a Retry run would pick up
//	GET /artifacts/stats           artifact batcher counters, when configured
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/dcshock/resourcepipe/progress"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Store is what the API reads from. progress.MemoryService and
// observer.DBProgressService both satisfy it.
type Store interface {
	progress.Reader
	GetIncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error)
}

// StatsSource reports artifact batcher counters; *artifact.Batcher satisfies it.
type StatsSource interface {
	Stats() artifact.Stats
}

// Server holds the handlers' dependencies.
type Server struct {
	store     Store
	artifacts StatsSource
	log       logrus.FieldLogger
}

// New returns a Server reading from store. artifacts may be nil.
func New(store Store, artifacts StatsSource, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{store: store, artifacts: artifacts, log: log}
}

// Handler returns the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	runs := r.Group("/runs/:id")
	runs.GET("", s.getRun)
	runs.GET("/resources", s.listResources)
	runs.GET("/incomplete", s.incomplete)
	r.GET("/artifacts/stats", s.artifactStats)
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("status api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listResources(c *gin.Context) {
	rrs, err := s.store.ListResourceRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := rrs[:0]
		for _, rr := range rrs {
			if string(rr.Status) == status {
				filtered = append(filtered, rr)
			}
		}
		rrs = filtered
	}
	if rrs == nil {
		rrs = []progress.ResourceRun{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "resources": rrs})
}

func (s *Server) incomplete(c *gin.Context) {
	ids, err := s.store.GetIncompleteResourceIDs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "resource_ids": ids})
}

func (s *Server) artifactStats(c *gin.Context) {
	if s.artifacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact batcher not configured"})
		return
	}
	c.JSON(http.StatusOK, s.artifacts.Stats())
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("status api request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

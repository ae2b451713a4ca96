package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/dcshock/resourcepipe/progress"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultFinalizeTimeout bounds progress flushing and artifact draining after
// a run, including a canceled one.
const DefaultFinalizeTimeout = 30 * time.Second

// ArtifactBatcher is the part of *artifact.Batcher the engine uses.
type ArtifactBatcher interface {
	Enqueue(req artifact.Request) error
	Drain(ctx context.Context) error
}

// ProgressFactory creates the progress service for a context at Build time.
type ProgressFactory func(ctx context.Context) (progress.Service, error)

// ArtifactBatcherFactory creates a batcher owned by the context. An owned
// batcher is closed when the run completes.
type ArtifactBatcherFactory func() (ArtifactBatcher, error)

// Context is the run-scoped configuration of one pipeline execution. It is
// built once by a ContextBuilder and is read-only afterwards. A Context
// drives exactly one Complete call.
type Context struct {
	runID           string
	resourceType    string
	category        string
	name            string
	runType         progress.RunType
	parentRunID     string
	cancel          context.Context
	defaults        StepOptions
	progress        progress.Service
	trackerCfg      progress.TrackerConfig
	batcher         ArtifactBatcher
	ownsBatcher     bool
	cache           progress.ResourceRunCache
	log             logrus.FieldLogger
	finalizeTimeout time.Duration

	used atomic.Bool
}

// RunID returns the id of the run.
func (c *Context) RunID() string { return c.runID }

// ResourceType returns the type tag recorded on every resource-run.
func (c *Context) ResourceType() string { return c.resourceType }

// Category returns the run's category.
func (c *Context) Category() string { return c.category }

// Name returns the run's name.
func (c *Context) Name() string { return c.name }

// RunType reports whether the run is Fresh or a Retry.
func (c *Context) RunType() progress.RunType { return c.runType }

// ParentRunID returns the run a Retry resumes, or "".
func (c *Context) ParentRunID() string { return c.parentRunID }

// Progress returns the progress service, or nil when progress is not recorded.
func (c *Context) Progress() progress.Service { return c.progress }

// ArtifactBatcher returns the artifact batcher, or nil.
func (c *Context) ArtifactBatcher() ArtifactBatcher { return c.batcher }

// ResourceRunCache returns the cache mapping resource ids to resource-run ids.
func (c *Context) ResourceRunCache() progress.ResourceRunCache { return c.cache }

// Logger returns the run's logger.
func (c *Context) Logger() logrus.FieldLogger { return c.log }

// Cancellation returns the run's cancellation signal.
func (c *Context) Cancellation() context.Context { return c.cancel }

// DefaultOptions returns a copy of the default stage options.
func (c *Context) DefaultOptions() StepOptions { return c.defaults.clone() }

// claim marks the context as used; it reports false if it already was.
func (c *Context) claim() bool { return c.used.CompareAndSwap(false, true) }

// ContextBuilder assembles a Context. Setters return the builder for chaining.
type ContextBuilder struct {
	resourceType    string
	category        string
	name            string
	runID           string
	runType         progress.RunType
	parentRunID     string
	cancel          context.Context
	defaults        StepOptions
	progress        progress.Service
	progressFactory ProgressFactory
	trackerCfg      progress.TrackerConfig
	batcher         ArtifactBatcher
	batcherFactory  ArtifactBatcherFactory
	cache           progress.ResourceRunCache
	log             logrus.FieldLogger
	finalizeTimeout time.Duration
}

// NewContextBuilder starts a context for resources tagged resourceType.
func NewContextBuilder(resourceType string) *ContextBuilder {
	return &ContextBuilder{resourceType: resourceType, runType: progress.RunTypeFresh}
}

// WithCategory sets the run category.
func (b *ContextBuilder) WithCategory(category string) *ContextBuilder {
	b.category = category
	return b
}

// WithName sets the run name.
func (b *ContextBuilder) WithName(name string) *ContextBuilder {
	b.name = name
	return b
}

// WithRunID overrides the generated run id.
func (b *ContextBuilder) WithRunID(id string) *ContextBuilder {
	b.runID = id
	return b
}

// WithCancellation sets the signal that cancels the run when done.
func (b *ContextBuilder) WithCancellation(ctx context.Context) *ContextBuilder {
	b.cancel = ctx
	return b
}

// WithRunType sets whether the run is Fresh or a Retry.
func (b *ContextBuilder) WithRunType(t progress.RunType) *ContextBuilder {
	b.runType = t
	return b
}

// WithParentRunID sets the run a Retry resumes.
func (b *ContextBuilder) WithParentRunID(id string) *ContextBuilder {
	b.parentRunID = id
	return b
}

// WithDefaultOptions sets the options stages inherit. The value is copied;
// later changes to opts do not affect the builder or built contexts.
func (b *ContextBuilder) WithDefaultOptions(opts StepOptions) *ContextBuilder {
	b.defaults = opts.clone()
	return b
}

// WithProgress sets the progress service.
func (b *ContextBuilder) WithProgress(svc progress.Service) *ContextBuilder {
	b.progress = svc
	return b
}

// WithProgressFactory defers creating the progress service to Build. It takes
// precedence over WithProgress.
func (b *ContextBuilder) WithProgressFactory(f ProgressFactory) *ContextBuilder {
	b.progressFactory = f
	return b
}

// WithTrackerConfig tunes how progress updates are batched.
func (b *ContextBuilder) WithTrackerConfig(cfg progress.TrackerConfig) *ContextBuilder {
	b.trackerCfg = cfg
	return b
}

// WithArtifactBatcher sets a shared batcher. The run drains it but does not close it.
func (b *ContextBuilder) WithArtifactBatcher(batcher ArtifactBatcher) *ContextBuilder {
	b.batcher = batcher
	return b
}

// WithArtifactBatcherFactory creates a batcher at Build time that the run closes
// when it completes. It takes precedence over WithArtifactBatcher.
func (b *ContextBuilder) WithArtifactBatcherFactory(f ArtifactBatcherFactory) *ContextBuilder {
	b.batcherFactory = f
	return b
}

// WithResourceRunCache replaces the default in-memory resource-run cache.
func (b *ContextBuilder) WithResourceRunCache(cache progress.ResourceRunCache) *ContextBuilder {
	b.cache = cache
	return b
}

// WithLogger sets the logger the run and its stages log to.
func (b *ContextBuilder) WithLogger(log logrus.FieldLogger) *ContextBuilder {
	b.log = log
	return b
}

// WithFinalizeTimeout bounds finalization; see DefaultFinalizeTimeout.
func (b *ContextBuilder) WithFinalizeTimeout(d time.Duration) *ContextBuilder {
	b.finalizeTimeout = d
	return b
}

// Build validates the configuration and returns the Context.
func (b *ContextBuilder) Build() (*Context, error) {
	if b.resourceType == "" {
		return nil, configErr("resource type is required")
	}
	c := &Context{
		runID:           b.runID,
		resourceType:    b.resourceType,
		category:        b.category,
		name:            b.name,
		runType:         b.runType,
		parentRunID:     b.parentRunID,
		cancel:          b.cancel,
		defaults:        b.defaults.clone(),
		progress:        b.progress,
		trackerCfg:      b.trackerCfg,
		batcher:         b.batcher,
		cache:           b.cache,
		log:             b.log,
		finalizeTimeout: b.finalizeTimeout,
	}
	if c.runID == "" {
		c.runID = uuid.New().String()
	}
	if c.runType == "" {
		c.runType = progress.RunTypeFresh
	}
	if c.cancel == nil {
		c.cancel = context.Background()
	}
	if c.cache == nil {
		c.cache = progress.NewMemoryCache()
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	if c.finalizeTimeout <= 0 {
		c.finalizeTimeout = DefaultFinalizeTimeout
	}
	if b.progressFactory != nil {
		svc, err := b.progressFactory(c.cancel)
		if err != nil {
			return nil, fmt.Errorf("progress factory: %w", err)
		}
		c.progress = svc
	}
	if c.runType == progress.RunTypeRetry {
		if c.parentRunID == "" {
			return nil, configErr("retry run requires a parent run id")
		}
		if c.progress == nil {
			return nil, configErr("retry run requires a progress service")
		}
	}
	if b.batcherFactory != nil {
		batcher, err := b.batcherFactory()
		if err != nil {
			return nil, fmt.Errorf("artifact batcher factory: %w", err)
		}
		c.batcher = batcher
		c.ownsBatcher = batcher != nil
	}
	return c, nil
}

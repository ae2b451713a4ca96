// Package objstore stores pipeline artifacts in an S3-compatible bucket
// through the MinIO client. It serves the "objectstore" storage type.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Putter is the part of *minio.Client used by Storage.
type Putter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Storage writes each artifact as one object under
// <prefix>/<run id>/<resource id>/<name>.json.
type Storage struct {
	client      Putter
	bucket      string
	prefix      string
	concurrency int
}

// NewStorage returns a storage writing to cfg.Bucket through client.
func NewStorage(client Putter, cfg Config) (*Storage, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Storage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, concurrency: concurrency}, nil
}

// Key returns the object key of req.
func (s *Storage) Key(req artifact.Request) string {
	name := req.Name
	if path.Ext(name) == "" {
		name += ".json"
	}
	return path.Join(s.prefix, url.PathEscape(req.RunID), url.PathEscape(req.ResourceID), url.PathEscape(name))
}

// SaveBatch implements artifact.Storage. Objects are uploaded concurrently;
// each result carries the error of its own upload.
func (s *Storage) SaveBatch(ctx context.Context, reqs []artifact.Request) ([]artifact.Result, error) {
	results := make([]artifact.Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		results[i].Request = req
		g.Go(func() error {
			key := s.Key(req)
			contentType := req.ContentType
			if contentType == "" {
				contentType = artifact.ContentTypeJSON
			}
			_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(req.Payload), int64(len(req.Payload)),
				minio.PutObjectOptions{
					ContentType: contentType,
					UserMetadata: map[string]string{
						"run-id":      req.RunID,
						"resource-id": req.ResourceID,
					},
				})
			if err != nil {
				results[i].Err = errors.Wrapf(err, "put %s", key)
				return nil
			}
			results[i].Location = fmt.Sprintf("s3://%s/%s", s.bucket, key)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

var _ artifact.Storage = (*Storage)(nil)

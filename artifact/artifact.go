package artifact

import (
	"context"
	"errors"
)

// StorageType tags where an artifact should be persisted. The engine treats it
// as opaque; a Router or storage implementation interprets it.
type StorageType string

const (
	StorageMemory      StorageType = "memory"
	StorageObjectStore StorageType = "objectstore"
	StorageDatabase    StorageType = "database"
)

// ContentTypeJSON is the content type of payloads produced by the pipeline.
const ContentTypeJSON = "application/json"

// ErrSaveFailed is reported by Drain and Close when some artifacts could not be
// saved after all attempts.
var ErrSaveFailed = errors.New("artifact: save failed")

// Request is one artifact to persist.
type Request struct {
	RunID       string      `json:"run_id"`
	ResourceID  string      `json:"resource_id"`
	Name        string      `json:"name"`
	StorageType StorageType `json:"storage_type"`
	ContentType string      `json:"content_type"`
	Payload     []byte      `json:"-"`
}

// Result is the outcome of saving one Request.
type Result struct {
	Request  Request
	Location string
	Err      error
}

// Storage persists batches of artifacts. SaveBatch returns one Result per
// request, in request order. A non-nil error means the whole call failed.
type Storage interface {
	SaveBatch(ctx context.Context, reqs []Request) ([]Result, error)
}

// StorageFunc adapts a function to Storage.
type StorageFunc func(ctx context.Context, reqs []Request) ([]Result, error)

// SaveBatch implements Storage.
func (f StorageFunc) SaveBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	return f(ctx, reqs)
}

package progress

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Reader when the run does not exist.
var ErrNotFound = errors.New("progress: not found")

// ErrDeferredUpdates is returned when step updates could not be applied after
// all retries because their resource-run was never created.
var ErrDeferredUpdates = errors.New("progress: step updates deferred")

// Service persists run, resource-run and step progress. Implementations must be
// safe for concurrent use; the engine calls them from many stage workers.
type Service interface {
	CreateRun(ctx context.Context, run NewRun) (Run, error)
	CreateResourceRunsBatch(ctx context.Context, runID string, creates []ResourceRunCreate) error
	// UpdateStepProgressBatch applies step updates and returns the ones that
	// could not be applied yet (e.g. the resource-run row does not exist).
	UpdateStepProgressBatch(ctx context.Context, runID string, updates []StepUpdate) ([]StepUpdate, error)
	CompleteResourceRunsBatch(ctx context.Context, runID string, completions []ResourceRunCompletion) error
	CompleteRun(ctx context.Context, runID string, status RunStatus) error
	// GetIncompleteResourceIDs returns the resource ids of parentRunID whose
	// resource-run did not reach Completed.
	GetIncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error)
}

// Reader is the optional read side of a Service.
type Reader interface {
	GetRun(ctx context.Context, runID string) (Run, error)
	ListResourceRuns(ctx context.Context, runID string) ([]ResourceRun, error)
}

// ResourceRunCache maps resource ids to the resource-run created for them in the
// current run. Set is first-writer-wins and returns the stored resource-run id.
type ResourceRunCache interface {
	TryGet(resourceID string) (string, bool)
	Set(resourceID, resourceRunID string) string
}

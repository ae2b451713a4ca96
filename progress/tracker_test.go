package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyService fails the first createFailures CreateResourceRunsBatch calls
// and defers step updates for resource-runs listed in neverCreated.
type flakyService struct {
	*MemoryService
	mu             sync.Mutex
	createFailures int
	createCalls    int
	neverCreated   map[string]bool
}

func (f *flakyService) CreateResourceRunsBatch(ctx context.Context, runID string, creates []ResourceRunCreate) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createFailures > 0
	if fail {
		f.createFailures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	kept := creates[:0:0]
	for _, c := range creates {
		if !f.neverCreated[c.ResourceRunID] {
			kept = append(kept, c)
		}
	}
	return f.MemoryService.CreateResourceRunsBatch(ctx, runID, kept)
}

func TestTracker_CountersWithoutService(t *testing.T) {
	tr := NewTracker(nil, "r1", "doc", TrackerConfig{}, nil)
	ctx := context.Background()
	tr.Started(ctx, "rr1", "a")
	tr.Started(ctx, "rr2", "b")
	tr.Started(ctx, "rr3", "c")
	tr.Finished(ctx, "rr1", StatusCompleted, "")
	tr.Finished(ctx, "rr2", StatusFailed, "boom")

	assert.Equal(t, Snapshot{Total: 3, Completed: 1, Failed: 1, Processing: 1}, tr.Snapshot())
	assert.NoError(t, tr.Close(ctx))
}

func TestTracker_FlushesInBatches(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()
	_, err := svc.CreateRun(ctx, NewRun{ID: "r1", Type: RunTypeFresh})
	require.NoError(t, err)

	tr := NewTracker(svc, "r1", "doc", TrackerConfig{FlushSize: 2}, nil)
	tr.Started(ctx, "rr1", "a")
	assert.Equal(t, 0, svc.Snapshot("r1").Total, "nothing flushed below the batch size")
	tr.Started(ctx, "rr2", "b")
	assert.Equal(t, 2, svc.Snapshot("r1").Total)

	tr.Step(ctx, "rr1", StepProgress{Name: "parse", Status: StatusCompleted})
	tr.Finished(ctx, "rr1", StatusCompleted, "")
	tr.Finished(ctx, "rr2", StatusFailed, "boom")
	require.NoError(t, tr.Close(ctx))

	snap := svc.Snapshot("r1")
	assert.Equal(t, Snapshot{Total: 2, Completed: 1, Failed: 1}, snap)
}

func TestTracker_RetriesFailedCreates(t *testing.T) {
	svc := &flakyService{MemoryService: NewMemoryService(), createFailures: 1}
	ctx := context.Background()
	_, err := svc.CreateRun(ctx, NewRun{ID: "r1", Type: RunTypeFresh})
	require.NoError(t, err)

	tr := NewTracker(svc, "r1", "doc", TrackerConfig{RetryBackoff: time.Millisecond}, nil)
	tr.Started(ctx, "rr1", "a")
	tr.Step(ctx, "rr1", StepProgress{Name: "parse", Status: StatusCompleted})
	tr.Finished(ctx, "rr1", StatusCompleted, "")

	require.NoError(t, tr.Close(ctx))
	assert.Equal(t, 2, svc.createCalls)

	runs, err := svc.ListResourceRuns(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.Len(t, runs[0].Steps, 1)
}

func TestTracker_SurfacesDeferredUpdates(t *testing.T) {
	svc := &flakyService{MemoryService: NewMemoryService(), neverCreated: map[string]bool{"rr2": true}}
	ctx := context.Background()
	_, err := svc.CreateRun(ctx, NewRun{ID: "r1", Type: RunTypeFresh})
	require.NoError(t, err)

	tr := NewTracker(svc, "r1", "doc", TrackerConfig{RetryBackoff: time.Millisecond}, nil)
	tr.Started(ctx, "rr1", "a")
	tr.Started(ctx, "rr2", "b")
	tr.Step(ctx, "rr1", StepProgress{Name: "parse", Status: StatusCompleted})
	tr.Step(ctx, "rr2", StepProgress{Name: "parse", Status: StatusCompleted})

	err = tr.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeferredUpdates)
}

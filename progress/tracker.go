package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultFlushSize     = 100
	DefaultFinalAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// TrackerConfig controls how a Tracker batches calls to its Service.
type TrackerConfig struct {
	FlushSize     int
	FinalAttempts int
	RetryBackoff  time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.FlushSize <= 0 {
		c.FlushSize = DefaultFlushSize
	}
	if c.FinalAttempts <= 0 {
		c.FinalAttempts = DefaultFinalAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Tracker records resource transitions for one run and forwards them to a
// Service in batches. It keeps aggregate counters locally so a snapshot is
// available even without a Service. All methods are safe for concurrent use.
type Tracker struct {
	svc          Service
	runID        string
	resourceType string
	cfg          TrackerConfig
	log          logrus.FieldLogger

	mu          sync.Mutex
	creates     []ResourceRunCreate
	steps       []StepUpdate
	completions []ResourceRunCompletion

	flushMu sync.Mutex

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewTracker returns a tracker for runID. svc may be nil, in which case only
// counters are kept.
func NewTracker(svc Service, runID, resourceType string, cfg TrackerConfig, log logrus.FieldLogger) *Tracker {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Tracker{
		svc:          svc,
		runID:        runID,
		resourceType: resourceType,
		cfg:          cfg.withDefaults(),
		log:          log.WithField("run_id", runID),
	}
}

// Started registers a new resource-run in Processing state.
func (t *Tracker) Started(ctx context.Context, resourceRunID, resourceID string) {
	t.total.Add(1)
	if t.svc == nil {
		return
	}
	t.mu.Lock()
	t.creates = append(t.creates, ResourceRunCreate{
		ResourceRunID: resourceRunID,
		ResourceID:    resourceID,
		ResourceType:  t.resourceType,
		StartedAt:     time.Now().UTC(),
	})
	full := t.pendingLocked() >= t.cfg.FlushSize
	t.mu.Unlock()
	if full {
		t.flushQuietly(ctx)
	}
}

// Step records one stage outcome for a resource-run.
func (t *Tracker) Step(ctx context.Context, resourceRunID string, step StepProgress) {
	if t.svc == nil {
		return
	}
	t.mu.Lock()
	t.steps = append(t.steps, StepUpdate{ResourceRunID: resourceRunID, Step: step})
	full := t.pendingLocked() >= t.cfg.FlushSize
	t.mu.Unlock()
	if full {
		t.flushQuietly(ctx)
	}
}

// Finished closes a resource-run. It must be called exactly once per resource-run.
func (t *Tracker) Finished(ctx context.Context, resourceRunID string, status Status, errMsg string) {
	if status == StatusFailed {
		t.failed.Add(1)
	} else {
		t.completed.Add(1)
	}
	if t.svc == nil {
		return
	}
	t.mu.Lock()
	t.completions = append(t.completions, ResourceRunCompletion{
		ResourceRunID: resourceRunID,
		Status:        status,
		Error:         errMsg,
		EndedAt:       time.Now().UTC(),
	})
	full := t.pendingLocked() >= t.cfg.FlushSize
	t.mu.Unlock()
	if full {
		t.flushQuietly(ctx)
	}
}

// Snapshot returns the current aggregate counters.
func (t *Tracker) Snapshot() Snapshot {
	total := int(t.total.Load())
	completed := int(t.completed.Load())
	failed := int(t.failed.Load())
	return Snapshot{
		Total:      total,
		Completed:  completed,
		Failed:     failed,
		Processing: total - completed - failed,
	}
}

func (t *Tracker) pendingLocked() int {
	return len(t.creates) + len(t.steps) + len(t.completions)
}

func (t *Tracker) flushQuietly(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.log.WithError(err).Warn("progress flush failed; updates kept for retry")
	}
}

// Flush sends everything buffered so far. Updates that fail or are deferred
// stay buffered and are retried by the next flush.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.svc == nil {
		return nil
	}
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	creates, steps, completions := t.creates, t.steps, t.completions
	t.creates, t.steps, t.completions = nil, nil, nil
	t.mu.Unlock()

	if len(creates) > 0 {
		if err := t.svc.CreateResourceRunsBatch(ctx, t.runID, creates); err != nil {
			t.requeue(creates, steps, completions)
			return fmt.Errorf("create resource runs: %w", err)
		}
	}

	var flushErr error
	if len(steps) > 0 {
		deferred, err := t.svc.UpdateStepProgressBatch(ctx, t.runID, steps)
		switch {
		case err != nil:
			t.requeue(nil, steps, nil)
			flushErr = fmt.Errorf("update step progress: %w", err)
		case len(deferred) > 0:
			t.log.WithField("deferred", len(deferred)).Debug("step updates deferred")
			t.requeue(nil, deferred, nil)
		}
	}

	if len(completions) > 0 {
		if err := t.svc.CompleteResourceRunsBatch(ctx, t.runID, completions); err != nil {
			t.requeue(nil, nil, completions)
			flushErr = errors.Join(flushErr, fmt.Errorf("complete resource runs: %w", err))
		}
	}
	return flushErr
}

// Close flushes all buffered updates, retrying leftovers up to
// FinalAttempts times. Updates still pending afterwards are reported.
func (t *Tracker) Close(ctx context.Context) error {
	if t.svc == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= t.cfg.FinalAttempts; attempt++ {
		err = t.Flush(ctx)
		t.mu.Lock()
		pending := t.pendingLocked()
		t.mu.Unlock()
		if err == nil && pending == 0 {
			return nil
		}
		if attempt == t.cfg.FinalAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(t.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	t.mu.Lock()
	leftSteps := len(t.steps)
	leftOther := len(t.creates) + len(t.completions)
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{
		"pending_steps": leftSteps,
		"pending_other": leftOther,
	}).Error("progress updates could not be applied")
	if leftSteps > 0 && err == nil {
		return fmt.Errorf("%w: %d step updates for run %s", ErrDeferredUpdates, leftSteps, t.runID)
	}
	if leftSteps > 0 {
		return errors.Join(err, fmt.Errorf("%w: %d step updates for run %s", ErrDeferredUpdates, leftSteps, t.runID))
	}
	return err
}

func (t *Tracker) requeue(creates []ResourceRunCreate, steps []StepUpdate, completions []ResourceRunCompletion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creates = append(creates, t.creates...)
	t.steps = append(steps, t.steps...)
	t.completions = append(completions, t.completions...)
}

package pipeline

import (
	"context"
	"time"

	"github.com/dcshock/resourcepipe/progress"
	"github.com/google/uuid"
)

// resourceRun is the engine's view of one resource's passage through a run.
// refs counts the envelopes that still carry it; when the last one leaves the
// graph the resource-run is finished. All fields are guarded by run.mu.
type resourceRun struct {
	id         string
	resourceID string
	tracked    bool
	refs       int
	failed     bool
	errMsg     string
}

// envelope carries one value through the graph together with the
// resource-runs it stands for: one for plain items, many for aggregates.
type envelope struct {
	value interface{}
	refs  []*resourceRun
	label string
}

func (r *run) cacheKey(resourceID string) string {
	return r.runID + "/" + resourceID
}

// admit returns the resource-run for resourceID, creating it on first sight.
// A resource id seen again while its resource-run is open joins it; one seen
// after its resource-run finished is processed untracked.
func (r *run) admit(resourceID string) *resourceRun {
	r.mu.Lock()
	key := r.cacheKey(resourceID)
	if rrID, ok := r.cache.TryGet(key); ok {
		rr := r.attachLocked(rrID, resourceID)
		r.mu.Unlock()
		return rr
	}
	rrID := uuid.New().String()
	if stored := r.cache.Set(key, rrID); stored != rrID {
		rr := r.attachLocked(stored, resourceID)
		r.mu.Unlock()
		return rr
	}
	rr := &resourceRun{id: rrID, resourceID: resourceID, tracked: true, refs: 1}
	r.live[rrID] = rr
	r.mu.Unlock()

	r.tracker.Started(r.trackCtx, rrID, resourceID)
	return rr
}

func (r *run) attachLocked(rrID, resourceID string) *resourceRun {
	if rr, ok := r.live[rrID]; ok {
		rr.refs++
		return rr
	}
	r.log.WithField("resource_id", resourceID).Debug("resource already finished in this run; processing untracked")
	return &resourceRun{id: rrID, resourceID: resourceID, refs: 1}
}

// fail marks the resource-runs as failed with msg. The first message wins.
func (r *run) fail(refs []*resourceRun, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rr := range refs {
		if !rr.failed {
			rr.failed = true
			rr.errMsg = msg
		}
	}
}

// release drops e's reference on each of its resource-runs and finishes the
// ones that are no longer referenced.
func (r *run) release(e envelope) {
	var done []*resourceRun
	r.mu.Lock()
	for _, rr := range e.refs {
		rr.refs--
		if rr.refs == 0 {
			if rr.tracked {
				delete(r.live, rr.id)
			}
			done = append(done, rr)
		}
	}
	r.mu.Unlock()

	for _, rr := range done {
		if !rr.tracked {
			continue
		}
		status, msg := progress.StatusCompleted, ""
		if rr.failed {
			status, msg = progress.StatusFailed, rr.errMsg
		}
		r.tracker.Finished(r.trackCtx, rr.id, status, msg)
	}
}

// step records a stage outcome for every tracked resource-run of e.
func (r *run) step(st *stageRunner, e envelope, status progress.Status, d time.Duration, msg string) {
	if st == nil || !st.opts.tracking {
		return
	}
	ended := time.Now().UTC()
	for _, rr := range e.refs {
		if !rr.tracked {
			continue
		}
		r.tracker.Step(r.trackCtx, rr.id, progress.StepProgress{
			Name:     st.name,
			Status:   status,
			Duration: d,
			EndedAt:  ended,
			Error:    msg,
		})
	}
}

// abandon drops an envelope that will not be processed further.
func (r *run) abandon(ctx context.Context, e envelope) {
	r.fail(e.refs, "run canceled: "+context.Cause(ctx).Error())
	r.release(e)
}

// skip records a resource produced after cancellation as failed without
// processing it.
func (r *run) skip(ctx context.Context, resourceID string) {
	e := envelope{refs: []*resourceRun{r.admit(resourceID)}, label: resourceID}
	r.fail(e.refs, "not started: run canceled: "+context.Cause(ctx).Error())
	r.release(e)
}

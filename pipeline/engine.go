package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dcshock/resourcepipe/artifact"
	"github.com/dcshock/resourcepipe/progress"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Result summarizes a finished run.
type Result struct {
	RunID    string
	Status   progress.RunStatus
	Snapshot progress.Snapshot
	Duration time.Duration
}

// run is the state of one execution of a graph.
type run struct {
	runID    string
	pctx     *Context
	tracker  *progress.Tracker
	batcher  ArtifactBatcher
	cache    progress.ResourceRunCache
	log      logrus.FieldLogger
	trackCtx context.Context

	mu   sync.Mutex
	live map[string]*resourceRun

	errMu sync.Mutex
	errs  []error
}

// stageRunner executes one node. in is its input queue; out, when set, is the
// next stage's input queue, which the runner closes once it has drained in.
// emit hands results downstream: to out, to the sink, or nowhere for actions.
type stageRunner struct {
	n    *node
	name string
	opts resolvedOptions
	in   queue
	out  queue
	emit func(ctx context.Context, e envelope) bool
	log  logrus.FieldLogger
}

// plan resolves the chain ending at leaf, source first, and checks it.
func plan(leaf *node, defaults StepOptions) (*node, []*stageRunner, error) {
	var nodes []*node
	for n := leaf; n != nil; n = n.upstream {
		nodes = append(nodes, n)
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	if nodes[0].kind != kindSource {
		return nil, nil, configErr("stage chain does not start at a source")
	}
	for _, n := range nodes {
		if n.err != nil {
			return nil, nil, n.err
		}
	}

	seen := map[string]bool{}
	ordered := true
	runners := make([]*stageRunner, 0, len(nodes)-1)
	for i, n := range nodes[1:] {
		name := n.name
		if name == "" {
			name = fmt.Sprintf("%s-%d", n.kind, i+1)
		}
		if seen[name] {
			return nil, nil, configErr("duplicate stage name %q", name)
		}
		seen[name] = true

		opts := resolve(defaults, n.opts)
		switch n.kind {
		case kindGroup:
			if !ordered {
				return nil, nil, fmt.Errorf("stage %q: %w", name, ErrUnorderedInput)
			}
		case kindTransform, kindTransformMany:
			ordered = ordered && opts.parallelism == 1
		}
		runners = append(runners, &stageRunner{n: n, name: name, opts: opts})
	}
	return nodes[0], runners, nil
}

func (g *graph) execute(ctx context.Context, leaf *node, ids func(interface{}) []string) (*Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.source == nil {
		return nil, ErrNoSource
	}
	pctx := g.pctx
	root, runners, err := plan(leaf, pctx.defaults)
	if err != nil {
		return nil, err
	}
	if !pctx.claim() {
		return nil, configErr("context of run %s was already completed", pctx.runID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(pctx.cancel, cancel)
	defer stop()

	log := pctx.log.WithField("run_id", pctx.runID)
	if pctx.progress != nil {
		_, err := pctx.progress.CreateRun(runCtx, progress.NewRun{
			ID:          pctx.runID,
			Category:    pctx.category,
			Name:        pctx.name,
			Type:        pctx.runType,
			ParentRunID: pctx.parentRunID,
		})
		if err != nil {
			return nil, fmt.Errorf("create run %s: %w", pctx.runID, err)
		}
	}

	r := &run{
		runID:    pctx.runID,
		pctx:     pctx,
		tracker:  progress.NewTracker(pctx.progress, pctx.runID, pctx.resourceType, pctx.trackerCfg, log),
		batcher:  pctx.batcher,
		cache:    pctx.cache,
		log:      log,
		trackCtx: context.WithoutCancel(ctx),
		live:     make(map[string]*resourceRun),
	}

	started := time.Now()
	log.WithFields(logrus.Fields{
		"category": pctx.category,
		"name":     pctx.name,
		"run_type": pctx.runType,
		"stages":   len(runners),
	}).Info("run started")

	srcErr := r.drive(runCtx, g.source, root, runners, ids)

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), pctx.finalizeTimeout)
	defer fcancel()
	errs := r.finalize(fctx, runCtx.Err(), srcErr)

	status := progress.RunStatusCompleted
	if len(errs) > 0 {
		status = progress.RunStatusFailed
	}
	if pctx.progress != nil {
		if err := pctx.progress.CompleteRun(fctx, r.runID, status); err != nil {
			errs = append(errs, fmt.Errorf("complete run: %w", err))
		}
	}

	res := &Result{
		RunID:    r.runID,
		Status:   status,
		Snapshot: r.tracker.Snapshot(),
		Duration: time.Since(started),
	}
	entry := log.WithFields(logrus.Fields{
		"status":    res.Status,
		"total":     res.Snapshot.Total,
		"completed": res.Snapshot.Completed,
		"failed":    res.Snapshot.Failed,
		"duration":  res.Duration,
	})
	if len(errs) > 0 {
		entry.WithError(errors.Join(errs...)).Warn("run finished with errors")
	} else {
		entry.Info("run finished")
	}
	return res, errors.Join(errs...)
}

// drive links the runners, feeds them from the source and waits until the
// last one has drained. It returns the source's error, if any.
func (r *run) drive(ctx context.Context, source func(context.Context, func(interface{}, string) error) error, root *node, runners []*stageRunner, ids func(interface{}) []string) error {
	for _, st := range runners {
		st.in = newQueue(st.opts.capacity)
		st.log = r.log.WithField("stage", st.name)
	}
	sink := r.sink(ids)
	for i, st := range runners {
		switch {
		case st.n.kind == kindAction:
		case i+1 < len(runners):
			st.out = runners[i+1].in
			st.emit = st.out.send
		default:
			st.emit = sink
		}
	}

	var wg sync.WaitGroup
	for _, st := range runners {
		wg.Add(1)
		go func(st *stageRunner) {
			defer wg.Done()
			st.run(ctx, r)
		}(st)
	}

	first := sink
	if len(runners) > 0 {
		first = runners[0].in.send
	}
	err := r.runSource(ctx, source, root, first)
	if len(runners) > 0 {
		runners[0].in.close()
	}
	wg.Wait()
	return err
}

func (r *run) runSource(ctx context.Context, source func(context.Context, func(interface{}, string) error) error, root *node, first func(context.Context, envelope) bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	// Once the run is canceled the source keeps being enumerated, for at most
	// the finalize timeout, and every remaining resource is recorded as failed
	// without being processed so that a Retry of this run picks it up.
	srcCtx, srcCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer srcCancel()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(r.pctx.finalizeTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			srcCancel()
		case <-srcCtx.Done():
		}
	})
	defer stop()

	emit := func(v interface{}, id string) error {
		if ctx.Err() != nil {
			if err := srcCtx.Err(); err != nil {
				return err
			}
			r.skip(ctx, id)
			return nil
		}
		e := envelope{value: v, refs: []*resourceRun{r.admit(id)}, label: id}
		if err := r.capture(root, e); err != nil {
			r.fail(e.refs, "source: "+err.Error())
			r.release(e)
			return nil
		}
		if !first(ctx, e) {
			r.abandon(ctx, e)
		}
		return nil
	}
	err = source(srcCtx, emit)
	if err != nil && ctx.Err() != nil {
		// the source stopped because the run was canceled
		return nil
	}
	return err
}

// sink finishes envelopes leaving the graph. With ids set, member resources
// missing from an output's ids are failed.
func (r *run) sink(ids func(interface{}) []string) func(context.Context, envelope) bool {
	return func(_ context.Context, e envelope) bool {
		if ids != nil {
			var out []string
			err := protect(func() error {
				out = ids(e.value)
				return nil
			})
			if err != nil {
				r.log.WithError(err).WithField("resource_id", e.label).Warn("output ids failed")
				r.fail(e.refs, "output ids: "+err.Error())
				r.release(e)
				return true
			}
			present := make(map[string]bool, len(out))
			for _, id := range out {
				present[id] = true
			}
			var missing []*resourceRun
			for _, rr := range e.refs {
				if !present[rr.resourceID] {
					missing = append(missing, rr)
				}
			}
			if len(missing) > 0 {
				r.fail(missing, "not present in final output")
			}
		}
		r.release(e)
		return true
	}
}

// capture enqueues the artifact of e if its node declares one. An error means
// the artifact could not be produced; a failed enqueue is an infrastructure
// error of the run and does not fail the resource.
func (r *run) capture(n *node, e envelope) error {
	if n.artifact == nil || r.batcher == nil {
		return nil
	}
	var name string
	var payload []byte
	err := protect(func() (err error) {
		name = n.artifact.name(e.value)
		payload, err = json.Marshal(n.artifact.data(e.value))
		return err
	})
	if err != nil {
		return fmt.Errorf("artifact %q: %w", name, err)
	}
	err = r.batcher.Enqueue(artifact.Request{
		RunID:       r.runID,
		ResourceID:  e.label,
		Name:        name,
		StorageType: n.artifact.storageType,
		ContentType: artifact.ContentTypeJSON,
		Payload:     payload,
	})
	if err != nil {
		r.infra(fmt.Errorf("enqueue artifact %q for %s: %w", name, e.label, err))
	}
	return nil
}

func (r *run) infra(err error) {
	r.log.WithError(err).Error("pipeline infrastructure error")
	r.errMu.Lock()
	r.errs = append(r.errs, err)
	r.errMu.Unlock()
}

// finalize flushes progress and drains artifacts, even for a canceled run,
// and returns every error that makes the run Failed.
func (r *run) finalize(ctx context.Context, canceled, srcErr error) []error {
	var errs []error
	if canceled != nil {
		errs = append(errs, fmt.Errorf("run %s canceled: %w", r.runID, canceled))
	}
	if srcErr != nil {
		errs = append(errs, fmt.Errorf("source: %w", srcErr))
	}
	r.errMu.Lock()
	errs = append(errs, r.errs...)
	r.errMu.Unlock()

	if err := r.tracker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("progress: %w", err))
	}
	if r.batcher != nil {
		var err error
		if c, ok := r.batcher.(interface{ Close(context.Context) error }); ok && r.pctx.ownsBatcher {
			err = c.Close(ctx)
		} else {
			err = r.batcher.Drain(ctx)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("artifacts: %w", err))
		}
	}
	return errs
}

func (st *stageRunner) run(ctx context.Context, r *run) {
	if st.out != nil {
		defer st.out.close()
	}
	switch st.n.kind {
	case kindBatch:
		st.runBatch(ctx, r)
		return
	case kindGroup:
		st.runGroup(ctx, r)
		return
	}

	var g errgroup.Group
	switch {
	case st.opts.parallelism > 0:
		g.SetLimit(st.opts.parallelism)
	case st.opts.capacity > 0:
		// a bounded stage without a worker limit still holds at most
		// capacity items in flight, so a full downstream blocks the dispatcher
		g.SetLimit(st.opts.capacity)
	}
	for e := range st.in.recv() {
		if ctx.Err() != nil {
			r.abandon(ctx, e)
			continue
		}
		g.Go(func() error {
			st.process(ctx, r, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (st *stageRunner) process(ctx context.Context, r *run, e envelope) {
	start := time.Now()
	switch st.n.kind {
	case kindTransform:
		var out interface{}
		err := protect(func() (err error) {
			out, err = st.n.transform(ctx, e.value)
			return err
		})
		d := time.Since(start)
		if err != nil {
			st.failed(r, e, err, d)
			return
		}
		next := envelope{value: out, refs: e.refs, label: e.label}
		if err := r.capture(st.n, next); err != nil {
			st.failed(r, e, err, d)
			return
		}
		r.step(st, e, progress.StatusCompleted, d, "")
		st.forward(ctx, r, next)

	case kindAction:
		err := protect(func() error { return st.n.action(ctx, e.value) })
		d := time.Since(start)
		if err != nil {
			st.failed(r, e, err, d)
			return
		}
		r.step(st, e, progress.StatusCompleted, d, "")
		r.release(e)

	case kindTransformMany:
		var outs []interface{}
		err := protect(func() (err error) {
			outs, err = st.n.many(ctx, e.value)
			return err
		})
		d := time.Since(start)
		if err != nil {
			st.failed(r, e, err, d)
			return
		}
		ids := make([]string, len(outs))
		for i, out := range outs {
			ids[i] = fmt.Sprintf("%s#%d", e.label, i)
			if st.n.childID == nil {
				continue
			}
			err := protect(func() error {
				ids[i] = st.n.childID(out)
				return nil
			})
			if err != nil {
				// children without ids cannot be tracked; the parent fails before any is admitted
				st.failed(r, e, fmt.Errorf("child %d id: %w", i, err), d)
				return
			}
		}
		children := make([]envelope, 0, len(outs))
		for i, out := range outs {
			child := envelope{value: out, refs: []*resourceRun{r.admit(ids[i])}, label: ids[i]}
			if err := r.capture(st.n, child); err != nil {
				st.failed(r, child, err, 0)
				continue
			}
			children = append(children, child)
		}
		r.step(st, e, progress.StatusCompleted, d, "")
		r.release(e)
		for _, child := range children {
			st.forward(ctx, r, child)
		}
	}
}

func (st *stageRunner) runBatch(ctx context.Context, r *run) {
	var buf []envelope
	seq := 0
	flush := func() {
		if len(buf) == 0 {
			return
		}
		vals := make([]interface{}, len(buf))
		var refs []*resourceRun
		for i, e := range buf {
			vals[i] = e.value
			refs = append(refs, e.refs...)
		}
		seq++
		next := envelope{value: st.n.collect(vals), refs: refs, label: fmt.Sprintf("%s-%d", st.name, seq)}
		buf = nil
		if err := r.capture(st.n, next); err != nil {
			st.failed(r, next, err, 0)
			return
		}
		r.step(st, next, progress.StatusCompleted, 0, "")
		st.forward(ctx, r, next)
	}
	for e := range st.in.recv() {
		if ctx.Err() != nil {
			r.abandon(ctx, e)
			continue
		}
		buf = append(buf, e)
		if len(buf) >= st.n.batchSize {
			flush()
		}
	}
	if ctx.Err() != nil {
		for _, e := range buf {
			r.abandon(ctx, e)
		}
		return
	}
	flush()
}

func (st *stageRunner) runGroup(ctx context.Context, r *run) {
	var buf []envelope
	var current interface{}
	for e := range st.in.recv() {
		if ctx.Err() != nil {
			r.abandon(ctx, e)
			continue
		}
		var key interface{}
		err := protect(func() error {
			key = st.n.key(e.value)
			return nil
		})
		if err != nil {
			st.failed(r, e, err, 0)
			continue
		}
		if len(buf) > 0 && key != current {
			st.emitGroup(ctx, r, current, buf)
			buf = nil
		}
		current = key
		buf = append(buf, e)
	}
	if len(buf) == 0 {
		return
	}
	if ctx.Err() != nil {
		for _, e := range buf {
			r.abandon(ctx, e)
		}
		return
	}
	st.emitGroup(ctx, r, current, buf)
}

func (st *stageRunner) emitGroup(ctx context.Context, r *run, key interface{}, members []envelope) {
	vals := make([]interface{}, len(members))
	var refs []*resourceRun
	for i, e := range members {
		vals[i] = e.value
		refs = append(refs, e.refs...)
	}
	group := envelope{refs: refs}
	err := protect(func() error {
		group.label = st.n.display(key)
		return nil
	})
	if err != nil {
		group.label = st.name
		st.failed(r, group, err, 0)
		return
	}

	start := time.Now()
	var agg interface{}
	err = protect(func() (err error) {
		agg, err = st.n.aggregate(key, vals)
		return err
	})
	d := time.Since(start)
	if err != nil {
		st.failed(r, group, err, d)
		return
	}
	group.value = agg
	if err := r.capture(st.n, group); err != nil {
		st.failed(r, group, err, d)
		return
	}
	r.step(st, group, progress.StatusCompleted, d, "")
	st.forward(ctx, r, group)
}

// failed records err as the stage's outcome for e and drops e.
func (st *stageRunner) failed(r *run, e envelope, err error, d time.Duration) {
	st.log.WithError(err).WithField("resource_id", e.label).Warn("stage failed")
	r.step(st, e, progress.StatusFailed, d, err.Error())
	r.fail(e.refs, fmt.Sprintf("stage %s: %v", st.name, err))
	r.release(e)
}

func (st *stageRunner) forward(ctx context.Context, r *run, e envelope) {
	if st.emit == nil {
		r.release(e)
		return
	}
	if !st.emit(ctx, e) {
		r.abandon(ctx, e)
	}
}

// protect runs fn, turning a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return fn()
}

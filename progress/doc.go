// Package progress models pipeline runs, resource-runs and step progress, and
// records them through a Service.
//
// A Run is one execution of a pipeline. Each resource flowing through it gets a
// ResourceRun whose Steps list the stages it passed. The engine never talks to a
// Service directly; it goes through a Tracker, which batches creations, step
// updates and completions:
//
//	svc := progress.NewMemoryService()
//	tr := progress.NewTracker(svc, runID, "document", progress.TrackerConfig{}, log)
//	tr.Started(ctx, rrID, "doc-1")
//	tr.Step(ctx, rrID, progress.StepProgress{Name: "parse", Status: progress.StatusCompleted})
//	tr.Finished(ctx, rrID, progress.StatusCompleted, "")
//	err := tr.Close(ctx)
//
// Step updates for a resource-run the Service has not created yet are returned
// as deferred and retried on later flushes. Close reports whatever is still
// deferred as ErrDeferredUpdates.
//
// A Retry run asks GetIncompleteResourceIDs for the parent run's unfinished
// resources and reprocesses only those.
package progress

// Package pipeline runs a collection of resources through a chain of typed
// stages and records, per resource, how far each one got. A run is described
// once with a Builder and executed with Complete:
//
//	pctx, _ := pipeline.NewContextBuilder("invoice").
//		WithCategory("billing").WithName("nightly-export").
//		WithProgress(svc).
//		Build()
//	b := pipeline.New(pctx, func(inv Invoice) string { return inv.ID }).
//		WithSource(pipeline.FromSlice(invoices))
//	rendered := pipeline.Transform(b.Stages(), "render", render, pipeline.Parallel(8))
//	res, err := pipeline.Batch(rendered, "batch", 100).
//		Action("upload", upload).
//		Complete(ctx)
//
// Every source item is a resource. The engine opens a resource-run for it when
// it enters the graph and closes it, Completed or Failed, when the item (or the
// batch or group that absorbed it) leaves the last stage. A stage error fails
// only the resources carried by that item; the run keeps going. Complete
// returns an error only for configuration mistakes, cancellation, a failing
// source, or infrastructure failures while recording progress or artifacts.
//
// Stages that change the item type are package functions (Transform,
// TransformMany, Batch, GroupSequential); Action and WithArtifact are methods.
// Appending never modifies the handle it is called on, so a handle may be
// extended in more than one way to describe different pipelines.
//
// # Options
//
// StepOptions bound a stage's parallelism and input queue and switch step
// tracking on or off. Zero fields inherit the context's default options; a
// full input queue blocks the stage feeding it.
//
// GroupSequential needs its input grouped by key, which only holds when every
// transform between the source and the group runs with parallelism 1.
// Complete returns ErrUnorderedInput otherwise.
//
// # Retry runs
//
// A context built with RunTypeRetry and a parent run id reprocesses only the
// resources that did not complete in the parent. Wrap the normal source with
// ForRun to filter it, or use Rematerialize to load just those resources by id.
//
// # Artifacts
//
// WithArtifact captures a JSON snapshot of a stage's output for every item that
// passes it. Captured artifacts go to the context's ArtifactBatcher, which
// Complete drains before returning, including after cancellation.
package pipeline

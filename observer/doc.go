// Package observer persists pipeline progress and artifacts to Postgres so runs
// can be monitored and resumed after a failure or restart.
//
//   - DBProgressService: progress.Service and progress.Reader over
//     pipeline_run, pipeline_resource_run and pipeline_resource_step. Queries
//     run on connections leased from a pipeline.ContextPool.
//   - DBArtifactStorage: artifact.Storage writing to pipeline_artifact. Register
//     it on an artifact.Router for the "database" storage type.
//   - Resumer: finds the latest run of a pipeline that left resources
//     incomplete. Use its id as the parent of a Retry run.
//   - Migrate: applies the embedded schema with golang-migrate.
//
// Resuming after a crash:
//
//	run, err := observer.NewResumer(pool).LatestResumable(ctx, "billing", "export")
//	if err == nil {
//		builder.WithRunType(progress.RunTypeRetry).WithParentRunID(run.ID)
//	}
//
// A run whose process died before CompleteRun stays Running and is not
// offered for resume until Resumer.FailStale closes it.
package observer

// Package artifact captures intermediate pipeline data and persists it in batches.
//
// Stages enqueue Requests on a Batcher; the Batcher saves them to a Storage when a
// batch fills up or the flush interval elapses. Drain waits for everything
// enqueued so far, however slow the storage is:
//
//	b := artifact.NewBatcher(store, artifact.BatcherConfig{BatchSize: 50, FlushInterval: time.Second}, log)
//	_ = b.Enqueue(artifact.Request{RunID: runID, ResourceID: "doc-1", Name: "parsed", Payload: data})
//	err := b.Close(ctx) // drains
//
// A Router sends each request to the storage registered for its StorageType
// (memory, objectstore, database).
package artifact

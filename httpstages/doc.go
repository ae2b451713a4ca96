// Package httpstages provides transform functions for HTTP requests and response handling.
//
// Use Fetch or Get to perform a GET request, DecodeJSON or DecodeResponse to
// unmarshal the body, and Expect to verify the decoded result and fail the
// item if it is not as expected.
//
// Example: one resource per URL, GET → decode → check.
//
//	stages := pipeline.New(pctx, func(u string) string { return u }).
//		WithSource(pipeline.FromSlice(urls)).
//		Stages()
//	bodies := pipeline.Transform(stages, "get", httpstages.Fetch(nil), pipeline.Parallel(4))
//	statuses := pipeline.Transform(bodies, "decode", httpstages.DecodeJSON[Status]())
//	checked := pipeline.Transform(statuses, "expect", httpstages.Expect(func(s Status) error {
//		if s.State != "ok" {
//			return fmt.Errorf("unexpected state %q", s.State)
//		}
//		return nil
//	}))
//	res, err := checked.Complete(ctx)
package httpstages

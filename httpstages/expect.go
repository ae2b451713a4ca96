package httpstages

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dcshock/resourcepipe/pipeline"
)

// Expect returns a transform that runs the predicate on the input. If the
// predicate returns an error the item fails with it; otherwise the input is
// passed through unchanged. Use after DecodeJSON to verify the decoded result
// (e.g. check a status field, required keys).
func Expect[T any](predicate func(T) error) pipeline.TransformFunc[T, T] {
	if predicate == nil {
		panic("httpstages.Expect: predicate must not be nil")
	}
	return func(ctx context.Context, input T) (T, error) {
		if err := predicate(input); err != nil {
			var zero T
			return zero, fmt.Errorf("expect: %w", err)
		}
		return input, nil
	}
}

// ExpectEqual returns a transform that checks the input equals expected using reflect.DeepEqual.
// Works for primitives, slices, and maps (e.g. parsed JSON).
func ExpectEqual[T any](expected T) pipeline.TransformFunc[T, T] {
	return Expect(func(v T) error {
		if !reflect.DeepEqual(v, expected) {
			return fmt.Errorf("got %v, want %v", v, expected)
		}
		return nil
	})
}

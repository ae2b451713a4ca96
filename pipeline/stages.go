// Package pipeline: typed stage functions for common patterns. Each returns a
// TransformFunc to pass to Transform.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity returns a transform that passes the item through unchanged.
func Identity[T any]() TransformFunc[T, T] {
	return func(ctx context.Context, item T) (T, error) {
		return item, nil
	}
}

// Tap returns a transform that calls fn(ctx, item) then passes item through unchanged.
// Use for logging, metrics, or side effects without changing the value.
func Tap[T any](fn func(context.Context, T)) TransformFunc[T, T] {
	return func(ctx context.Context, item T) (T, error) {
		fn(ctx, item)
		return item, nil
	}
}

// Validate returns a transform that passes item through only if predicate(item)
// is true. Otherwise it fails the item with errMsg ("validation failed" if empty).
func Validate[T any](predicate func(T) bool, errMsg string) TransformFunc[T, T] {
	if errMsg == "" {
		errMsg = "validation failed"
	}
	return func(ctx context.Context, item T) (T, error) {
		if !predicate(item) {
			var zero T
			return zero, errors.New(errMsg)
		}
		return item, nil
	}
}

// WithTimeout wraps inner so it runs with a context deadline of now+timeout.
// If inner does not return before the deadline, context.DeadlineExceeded is returned.
func WithTimeout[In, Out any](inner TransformFunc[In, Out], timeout time.Duration) TransformFunc[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner(ctx, in)
	}
}

// MapSlice returns a transform that converts []T to []U element by element.
// The first failing element fails the whole slice.
func MapSlice[T, U any](convert TransformFunc[T, U]) TransformFunc[[]T, []U] {
	return func(ctx context.Context, slice []T) ([]U, error) {
		out := make([]U, 0, len(slice))
		for i, v := range slice {
			u, err := convert(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("mapslice[%d]: %w", i, err)
			}
			out = append(out, u)
		}
		return out, nil
	}
}

// FilterSlice returns a transform that keeps only elements for which keep(v) is true.
func FilterSlice[T any](keep func(T) bool) TransformFunc[[]T, []T] {
	return func(ctx context.Context, slice []T) ([]T, error) {
		out := make([]T, 0, len(slice))
		for _, v := range slice {
			if keep(v) {
				out = append(out, v)
			}
		}
		return out, nil
	}
}

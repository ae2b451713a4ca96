package pipeline

import (
	"context"
	"fmt"

	"github.com/dcshock/resourcepipe/progress"
	"github.com/sirupsen/logrus"
)

// Source produces the input resources of a run by calling emit for each one.
// emit blocks while the first stage's queue is full. After the run is canceled
// emit only records each remaining resource as not started, and ctx stays
// live for at most the context's finalize timeout so the source can finish
// enumerating. A source should return emit's error if it ever gets one.
type Source[T any] func(ctx context.Context, pctx *Context, emit func(T) error) error

// FromSlice emits items in order.
func FromSlice[T any](items []T) Source[T] {
	return func(ctx context.Context, _ *Context, emit func(T) error) error {
		for _, item := range items {
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	}
}

// FromChannel emits everything received on ch until it is closed.
func FromChannel[T any](ch <-chan T) Source[T] {
	return func(ctx context.Context, _ *Context, emit func(T) error) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case item, ok := <-ch:
				if !ok {
					return nil
				}
				if err := emit(item); err != nil {
					return err
				}
			}
		}
	}
}

// FromFunc adapts a push-style producer. An error returned by produce fails the run.
func FromFunc[T any](produce func(ctx context.Context, emit func(T) error) error) Source[T] {
	return func(ctx context.Context, _ *Context, emit func(T) error) error {
		return produce(ctx, emit)
	}
}

// ForRun makes fresh retry-aware. For a Retry context it asks the progress
// service once for the parent run's incomplete resource ids and emits only the
// fresh items with those ids; otherwise it emits everything fresh produces.
func ForRun[T any](fresh Source[T], idOf func(T) string) Source[T] {
	return func(ctx context.Context, pctx *Context, emit func(T) error) error {
		if pctx.RunType() != progress.RunTypeRetry {
			return fresh(ctx, pctx, emit)
		}
		want, err := incompleteIDs(ctx, pctx)
		if err != nil {
			return err
		}
		if len(want) == 0 {
			return nil
		}
		return fresh(ctx, pctx, func(item T) error {
			if _, ok := want[idOf(item)]; !ok {
				return nil
			}
			return emit(item)
		})
	}
}

// Rematerialize is retry-aware like ForRun, but for a Retry context it loads
// only the incomplete resources by id instead of scanning a fresh source.
func Rematerialize[T any](fresh Source[T], load func(ctx context.Context, ids []string) ([]T, error)) Source[T] {
	return func(ctx context.Context, pctx *Context, emit func(T) error) error {
		if pctx.RunType() != progress.RunTypeRetry {
			if fresh == nil {
				return ErrNoSource
			}
			return fresh(ctx, pctx, emit)
		}
		want, err := incompleteIDs(ctx, pctx)
		if err != nil {
			return err
		}
		if len(want) == 0 {
			return nil
		}
		ids := make([]string, 0, len(want))
		for id := range want {
			ids = append(ids, id)
		}
		items, err := load(ctx, ids)
		if err != nil {
			return fmt.Errorf("rematerialize %d resources: %w", len(ids), err)
		}
		for _, item := range items {
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	}
}

func incompleteIDs(ctx context.Context, pctx *Context) (map[string]struct{}, error) {
	ids, err := pctx.Progress().GetIncompleteResourceIDs(ctx, pctx.ParentRunID())
	if err != nil {
		return nil, fmt.Errorf("incomplete resources of run %s: %w", pctx.ParentRunID(), err)
	}
	pctx.Logger().WithFields(logrus.Fields{
		"run_id":        pctx.RunID(),
		"parent_run_id": pctx.ParentRunID(),
		"incomplete":    len(ids),
	}).Info("resuming incomplete resources")
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return want, nil
}

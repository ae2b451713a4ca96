package pipeline

import (
	"context"
	"fmt"

	"github.com/dcshock/resourcepipe/artifact"
)

// TransformFunc converts one item of type In to Out.
type TransformFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

type stageKind int

const (
	kindSource stageKind = iota
	kindTransform
	kindTransformMany
	kindAction
	kindBatch
	kindGroup
)

func (k stageKind) String() string {
	switch k {
	case kindSource:
		return "source"
	case kindTransform:
		return "transform"
	case kindTransformMany:
		return "transform-many"
	case kindAction:
		return "action"
	case kindBatch:
		return "batch"
	case kindGroup:
		return "group"
	}
	return "unknown"
}

// node is one stage of the graph with its item type erased. Nodes are never
// mutated after creation; appending a stage creates a new node that points at
// its upstream, so every handle describes its own chain back to the source.
type node struct {
	kind     stageKind
	name     string
	opts     []StepOptions
	upstream *node
	err      error

	transform func(ctx context.Context, v interface{}) (interface{}, error)
	many      func(ctx context.Context, v interface{}) ([]interface{}, error)
	childID   func(v interface{}) string
	action    func(ctx context.Context, v interface{}) error

	batchSize int
	collect   func(vs []interface{}) interface{}

	key       func(v interface{}) interface{}
	aggregate func(key interface{}, vs []interface{}) (interface{}, error)
	display   func(key interface{}) string

	artifact *artifactSpec
}

type artifactSpec struct {
	name        func(v interface{}) string
	data        func(v interface{}) interface{}
	storageType artifact.StorageType
}

// graph is shared by every handle created from one Builder.
type graph struct {
	pctx   *Context
	err    error
	source func(ctx context.Context, emit func(v interface{}, id string) error) error
}

// Builder starts a pipeline over resources of type T.
type Builder[T any] struct {
	g    *graph
	idOf func(T) string
	head *node
}

// New returns a builder for pctx. idOf derives the stable resource id of each
// source item.
func New[T any](pctx *Context, idOf func(T) string) *Builder[T] {
	g := &graph{pctx: pctx}
	switch {
	case pctx == nil:
		g.err = configErr("nil pipeline context")
	case idOf == nil:
		g.err = configErr("resource id function is required")
	}
	return &Builder[T]{g: g, idOf: idOf, head: &node{kind: kindSource, name: "source"}}
}

// WithSource sets the source, replacing any previous one.
func (b *Builder[T]) WithSource(src Source[T]) *Builder[T] {
	if src == nil {
		b.g.source = nil
		return b
	}
	pctx, idOf := b.g.pctx, b.idOf
	b.g.source = func(ctx context.Context, emit func(interface{}, string) error) error {
		return src(ctx, pctx, func(item T) error {
			return emit(item, idOf(item))
		})
	}
	return b
}

// Stages returns the handle of the source output, where stages are appended.
func (b *Builder[T]) Stages() *Stage[T] {
	return &Stage[T]{g: b.g, n: b.head}
}

// Stage is a handle on the output of a stage producing items of type T.
type Stage[T any] struct {
	g *graph
	n *node
}

// Terminal is the handle of an Action; it can only be completed.
type Terminal struct {
	g *graph
	n *node
}

func (s *Stage[T]) append(n *node) *node {
	n.upstream = s.n
	return n
}

// Transform appends a one-in-one-out stage.
func Transform[In, Out any](s *Stage[In], name string, fn TransformFunc[In, Out], opts ...StepOptions) *Stage[Out] {
	n := s.append(&node{kind: kindTransform, name: name, opts: opts})
	if fn == nil {
		n.err = configErr("stage %q: nil transform", name)
	}
	n.transform = func(ctx context.Context, v interface{}) (interface{}, error) {
		in, err := as[In](v)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return fn(ctx, in)
	}
	return &Stage[Out]{g: s.g, n: n}
}

// TransformMany appends a one-in-many-out stage. Every output is tracked as
// its own resource-run, identified by childID or, when childID is nil, by
// "<parent id>#<index>". The input's resource-run completes once fn succeeds.
func TransformMany[In, Out any](s *Stage[In], name string, fn func(ctx context.Context, in In) ([]Out, error), childID func(Out) string, opts ...StepOptions) *Stage[Out] {
	n := s.append(&node{kind: kindTransformMany, name: name, opts: opts})
	if fn == nil {
		n.err = configErr("stage %q: nil transform", name)
	}
	n.many = func(ctx context.Context, v interface{}) ([]interface{}, error) {
		in, err := as[In](v)
		if err != nil {
			return nil, fmt.Errorf("transform many: %w", err)
		}
		outs, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		erased := make([]interface{}, len(outs))
		for i, o := range outs {
			erased[i] = o
		}
		return erased, nil
	}
	if childID != nil {
		n.childID = func(v interface{}) string {
			out, _ := as[Out](v)
			return childID(out)
		}
	}
	return &Stage[Out]{g: s.g, n: n}
}

// Batch appends a stage that groups items into slices of size. The last
// batch of a run may be smaller. Batches keep arrival order.
func Batch[T any](s *Stage[T], name string, size int, opts ...StepOptions) *Stage[[]T] {
	n := s.append(&node{kind: kindBatch, name: name, opts: opts, batchSize: size})
	if size <= 0 {
		n.err = configErr("stage %q: batch size must be positive, got %d", name, size)
	}
	n.collect = func(vs []interface{}) interface{} {
		out := make([]T, len(vs))
		for i, v := range vs {
			out[i], _ = as[T](v)
		}
		return out
	}
	return &Stage[[]T]{g: s.g, n: n}
}

// GroupSequential appends a stage that aggregates runs of consecutive items
// sharing a key. A group is emitted as soon as an item with a different key
// arrives, or at end of input. Its input must arrive grouped by key, so every
// stage between the source and this one must preserve order; Complete returns
// ErrUnorderedInput otherwise. displayKey labels the group in logs and artifacts.
func GroupSequential[T any, K comparable, G any](s *Stage[T], name string, keyFn func(T) K, aggregateFn func(key K, items []T) (G, error), displayKey func(K) string, opts ...StepOptions) *Stage[G] {
	n := s.append(&node{kind: kindGroup, name: name, opts: opts})
	if keyFn == nil || aggregateFn == nil {
		n.err = configErr("stage %q: key and aggregate functions are required", name)
	}
	n.key = func(v interface{}) interface{} {
		item, _ := as[T](v)
		return keyFn(item)
	}
	n.aggregate = func(key interface{}, vs []interface{}) (interface{}, error) {
		items := make([]T, len(vs))
		for i, v := range vs {
			items[i], _ = as[T](v)
		}
		k, _ := as[K](key)
		return aggregateFn(k, items)
	}
	n.display = func(key interface{}) string {
		k, _ := as[K](key)
		if displayKey == nil {
			return fmt.Sprint(k)
		}
		return displayKey(k)
	}
	return &Stage[G]{g: s.g, n: n}
}

// Action appends a terminal side-effecting stage.
func (s *Stage[T]) Action(name string, fn func(ctx context.Context, item T) error, opts ...StepOptions) *Terminal {
	n := s.append(&node{kind: kindAction, name: name, opts: opts})
	if fn == nil {
		n.err = configErr("stage %q: nil action", name)
	}
	n.action = func(ctx context.Context, v interface{}) error {
		item, err := as[T](v)
		if err != nil {
			return fmt.Errorf("action: %w", err)
		}
		return fn(ctx, item)
	}
	return &Terminal{g: s.g, n: n}
}

// ArtifactOptions describes what a stage captures after each successful
// invocation. Set Name or NameFunc; NameFunc wins when both are set. Data
// projects the captured value and defaults to the stage output itself.
type ArtifactOptions[T any] struct {
	Name        string
	NameFunc    func(T) string
	Data        func(T) interface{}
	StorageType artifact.StorageType
}

// WithArtifact returns a handle on the same stage that also captures an
// artifact per output. Without an artifact batcher on the context it does nothing.
func (s *Stage[T]) WithArtifact(opts ArtifactOptions[T]) *Stage[T] {
	cp := *s.n
	n := &cp
	if opts.Name == "" && opts.NameFunc == nil {
		n.err = configErr("stage %q: artifact requires a name", n.name)
	}
	spec := &artifactSpec{storageType: opts.StorageType}
	spec.name = func(v interface{}) string {
		if opts.NameFunc != nil {
			item, _ := as[T](v)
			return opts.NameFunc(item)
		}
		return opts.Name
	}
	spec.data = func(v interface{}) interface{} {
		if opts.Data != nil {
			item, _ := as[T](v)
			return opts.Data(item)
		}
		return v
	}
	n.artifact = spec
	return &Stage[T]{g: s.g, n: n}
}

// Complete runs the pipeline up to this stage until the source is exhausted.
// Items leaving the stage complete their resource-runs.
func (s *Stage[T]) Complete(ctx context.Context) (*Result, error) {
	return s.g.execute(ctx, s.n, nil)
}

// CompleteWithIDs is Complete for pipelines ending in aggregates. ids returns
// the resource ids present in a final output; member resources it omits are
// marked Failed.
func (s *Stage[T]) CompleteWithIDs(ctx context.Context, ids func(T) []string) (*Result, error) {
	if ids == nil {
		return s.Complete(ctx)
	}
	return s.g.execute(ctx, s.n, func(v interface{}) []string {
		item, _ := as[T](v)
		return ids(item)
	})
}

// Complete runs the pipeline until the source is exhausted.
func (t *Terminal) Complete(ctx context.Context) (*Result, error) {
	return t.g.execute(ctx, t.n, nil)
}

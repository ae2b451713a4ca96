package pipeline

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every error caused by how a pipeline or
// context was put together. Such errors are reported by Build or Complete,
// never while chaining stages.
var ErrConfiguration = errors.New("pipeline: invalid configuration")

// ErrNoSource is returned by Complete when no source was attached.
var ErrNoSource = fmt.Errorf("%w: no source defined", ErrConfiguration)

// ErrUnorderedInput is returned by Complete when a GroupSequential stage is
// fed by a stage that may reorder items (parallelism other than 1).
var ErrUnorderedInput = fmt.Errorf("%w: group stage requires order-preserving input", ErrConfiguration)

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// as converts an erased stage value back to T. A nil value yields T's zero value.
func as[T any](v interface{}) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("expected %T, got %T", zero, v)
	}
	return t, nil
}

// panicError is what a stage function's panic turns into.
type panicError struct{ value interface{} }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

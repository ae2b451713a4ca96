package httpstages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dcshock/resourcepipe/pipeline"
)

// ParseJSON returns a transform that unmarshals a response body into a generic
// value (e.g. map[string]interface{} for objects).
func ParseJSON() pipeline.TransformFunc[[]byte, interface{}] {
	return DecodeJSON[interface{}]()
}

// DecodeJSON returns a transform that unmarshals a response body into a T.
func DecodeJSON[T any]() pipeline.TransformFunc[[]byte, T] {
	return func(ctx context.Context, raw []byte) (T, error) {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode json: %w", err)
		}
		return out, nil
	}
}

// DecodeResponse is DecodeJSON for the output of Get: it decodes the body and
// pairs the result with the originating item via combine.
func DecodeResponse[T, V, Out any](combine func(item T, v V) Out) pipeline.TransformFunc[Response[T], Out] {
	decode := DecodeJSON[V]()
	return func(ctx context.Context, resp Response[T]) (Out, error) {
		v, err := decode(ctx, resp.Body)
		if err != nil {
			var zero Out
			return zero, fmt.Errorf("%s: %w", resp.URL, err)
		}
		return combine(resp.Item, v), nil
	}
}

package httpstages

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dcshock/resourcepipe/pipeline"
)

// Response is the outcome of a GET made for one pipeline item.
type Response[T any] struct {
	Item       T
	URL        string
	StatusCode int
	Body       []byte
}

// Fetch returns a transform that performs an HTTP GET to the input URL and
// returns the response body. The stage context is used for the request
// (timeout and cancellation). If client is nil, http.DefaultClient is used.
func Fetch(client *http.Client) pipeline.TransformFunc[string, []byte] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) ([]byte, error) {
		_, body, err := get(ctx, client, url)
		if err != nil {
			return nil, fmt.Errorf("http fetch %w", err)
		}
		return body, nil
	}
}

// Get returns a transform that performs an HTTP GET to urlOf(item) and keeps
// the item alongside the response, so later stages still see the resource the
// body belongs to. Non-2xx responses fail the item.
func Get[T any](client *http.Client, urlOf func(T) string) pipeline.TransformFunc[T, Response[T]] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, item T) (Response[T], error) {
		url := urlOf(item)
		status, body, err := get(ctx, client, url)
		if err != nil {
			return Response[T]{}, fmt.Errorf("http get %w", err)
		}
		return Response[T]{Item: item, URL: url, StatusCode: status, Body: body}, nil
	}
}

func get(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%q: new request: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, nil, fmt.Errorf("%q: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%q: read body: %w", url, err)
	}
	return resp.StatusCode, body, nil
}

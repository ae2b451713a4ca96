package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownStorage is set on results whose storage type has no registered storage.
var ErrUnknownStorage = errors.New("artifact: unknown storage type")

// Router is a Storage that dispatches each request to the storage registered
// for its StorageType. Requests with an empty type go to the fallback, if set.
// Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	storages map[StorageType]Storage
	fallback Storage
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{storages: make(map[StorageType]Storage)}
}

// Register adds a storage under the given type. Overwrites any existing registration.
func (r *Router) Register(t StorageType, s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[t] = s
}

// SetFallback sets the storage used for requests without a storage type.
func (r *Router) SetFallback(s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// Get returns the storage for t, or nil and false if not found.
func (r *Router) Get(t StorageType) (Storage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t == "" && r.fallback != nil {
		return r.fallback, true
	}
	s, ok := r.storages[t]
	return s, ok
}

// Types returns the registered storage types, sorted.
func (r *Router) Types() []StorageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StorageType, 0, len(r.storages))
	for t := range r.storages {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SaveBatch implements Storage. Results keep request order. A failing storage
// only fails its own requests; the call itself errors only when ctx is done.
func (r *Router) SaveBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]Result, len(reqs))
	groups := make(map[StorageType][]int)
	var order []StorageType
	for i, req := range reqs {
		if _, ok := r.Get(req.StorageType); !ok {
			results[i] = Result{Request: req, Err: fmt.Errorf("%w: %q", ErrUnknownStorage, req.StorageType)}
			continue
		}
		if _, seen := groups[req.StorageType]; !seen {
			order = append(order, req.StorageType)
		}
		groups[req.StorageType] = append(groups[req.StorageType], i)
	}

	for _, t := range order {
		idx := groups[t]
		s, _ := r.Get(t)
		batch := make([]Request, len(idx))
		for j, i := range idx {
			batch[j] = reqs[i]
		}
		got, err := s.SaveBatch(ctx, batch)
		for j, i := range idx {
			switch {
			case err != nil:
				results[i] = Result{Request: reqs[i], Err: fmt.Errorf("storage %q: %w", t, err)}
			case j < len(got):
				results[i] = got[j]
			default:
				results[i] = Result{Request: reqs[i], Err: fmt.Errorf("storage %q returned no result", t)}
			}
		}
	}
	return results, nil
}

var _ Storage = (*Router)(nil)

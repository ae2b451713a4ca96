package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStorage keeps saved artifacts in process memory. Latency, if set, is
// slept before every SaveBatch call.
type MemoryStorage struct {
	Latency time.Duration

	mu    sync.Mutex
	saved []Request
	calls int
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// SaveBatch implements Storage.
func (m *MemoryStorage) SaveBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	results := make([]Result, len(reqs))
	for i, r := range reqs {
		r.Payload = append([]byte(nil), r.Payload...)
		m.saved = append(m.saved, r)
		results[i] = Result{
			Request:  r,
			Location: fmt.Sprintf("memory://%s/%s/%s", r.RunID, r.ResourceID, r.Name),
		}
	}
	return results, nil
}

// Saved returns a copy of all saved requests in save order.
func (m *MemoryStorage) Saved() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.saved...)
}

// Calls returns the number of SaveBatch calls that reached the store.
func (m *MemoryStorage) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Storage = (*MemoryStorage)(nil)

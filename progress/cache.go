package progress

import "sync"

// MemoryCache is a process-local ResourceRunCache.
type MemoryCache struct {
	entries sync.Map
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// TryGet implements ResourceRunCache.
func (c *MemoryCache) TryGet(resourceID string) (string, bool) {
	v, ok := c.entries.Load(resourceID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set implements ResourceRunCache. Concurrent writers for the same key all
// observe the first stored value.
func (c *MemoryCache) Set(resourceID, resourceRunID string) string {
	actual, _ := c.entries.LoadOrStore(resourceID, resourceRunID)
	return actual.(string)
}

var _ ResourceRunCache = (*MemoryCache)(nil)

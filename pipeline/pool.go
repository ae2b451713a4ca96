package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pipeline: context pool closed")

// ContextPool caps how many expensive scoped resources (typically storage
// connections) are in use at once. Acquire blocks while the pool is exhausted,
// until a lease is released or ctx is done. Released resources are kept idle
// and handed to the next Acquire.
type ContextPool[R any] struct {
	max     int64
	sem     *semaphore.Weighted
	open    func(ctx context.Context) (R, error)
	closeFn func(R)

	mu     sync.Mutex
	idle   []R
	closed bool
}

// NewContextPool returns a pool of at most max resources created by open.
// closeFn, if non-nil, disposes of resources on Discard and Close.
func NewContextPool[R any](max int, open func(ctx context.Context) (R, error), closeFn func(R)) (*ContextPool[R], error) {
	if max <= 0 {
		return nil, configErr("context pool size must be positive, got %d", max)
	}
	if open == nil {
		return nil, configErr("context pool requires an open function")
	}
	return &ContextPool[R]{
		max:     int64(max),
		sem:     semaphore.NewWeighted(int64(max)),
		open:    open,
		closeFn: closeFn,
	}, nil
}

// Lease is one acquired resource. Release it exactly once.
type Lease[R any] struct {
	pool  *ContextPool[R]
	value R
	once  sync.Once
}

// Value returns the leased resource.
func (l *Lease[R]) Value() R { return l.value }

// Release returns the resource to the pool for reuse.
func (l *Lease[R]) Release() {
	l.once.Do(func() { l.pool.put(l.value, true) })
}

// Discard closes the resource instead of reusing it, e.g. after a broken connection.
func (l *Lease[R]) Discard() {
	l.once.Do(func() { l.pool.put(l.value, false) })
}

// Acquire waits for a free slot and returns a lease on an idle or new resource.
func (p *ContextPool[R]) Acquire(ctx context.Context) (*Lease[R], error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire pooled context: %w", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Lease[R]{pool: p, value: r}, nil
	}
	p.mu.Unlock()

	r, err := p.open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("open pooled context: %w", err)
	}
	return &Lease[R]{pool: p, value: r}, nil
}

// With runs fn with a leased resource and releases it afterwards.
func (p *ContextPool[R]) With(ctx context.Context, fn func(R) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Value())
}

// Max returns the pool's capacity.
func (p *ContextPool[R]) Max() int { return int(p.max) }

// Idle returns the number of idle resources.
func (p *ContextPool[R]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close disposes of idle resources. Leased resources are disposed of when released.
func (p *ContextPool[R]) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, r := range idle {
		p.dispose(r)
	}
}

func (p *ContextPool[R]) put(r R, reuse bool) {
	p.mu.Lock()
	if reuse && !p.closed {
		p.idle = append(p.idle, r)
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		p.dispose(r)
	}
	p.sem.Release(1)
}

func (p *ContextPool[R]) dispose(r R) {
	if p.closeFn != nil {
		p.closeFn(r)
	}
}

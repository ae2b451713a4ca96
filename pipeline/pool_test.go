package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct{ id int32 }

func newConnPool(t *testing.T, max int) (*ContextPool[*conn], *atomic.Int32, *atomic.Int32) {
	t.Helper()
	var opened, closed atomic.Int32
	p, err := NewContextPool(max, func(ctx context.Context) (*conn, error) {
		return &conn{id: opened.Add(1)}, nil
	}, func(*conn) { closed.Add(1) })
	require.NoError(t, err)
	return p, &opened, &closed
}

func TestContextPool_BlocksUntilRelease(t *testing.T) {
	p, opened, _ := newConnPool(t, 1)
	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Lease[*conn])
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case second := <-acquired:
		assert.Same(t, first.Value(), second.Value(), "released resource is reused")
		second.Release()
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
	assert.Equal(t, int32(1), opened.Load())
}

func TestContextPool_AcquireHonorsContext(t *testing.T) {
	p, _, _ := newConnPool(t, 1)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextPool_DiscardClosesResource(t *testing.T) {
	p, opened, closed := newConnPool(t, 2)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Discard()
	l.Release()

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 0, p.Idle())

	l, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), opened.Load())
	l.Release()
	assert.Equal(t, 1, p.Idle())
}

func TestContextPool_With(t *testing.T) {
	p, _, _ := newConnPool(t, 1)
	boom := errors.New("boom")
	err := p.With(context.Background(), func(c *conn) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.Idle())
}

func TestContextPool_Close(t *testing.T) {
	p, _, closed := newConnPool(t, 2)
	leased, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle.Release()

	p.Close()
	assert.Equal(t, int32(1), closed.Load())

	leased.Release()
	assert.Equal(t, int32(2), closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewContextPool_Validation(t *testing.T) {
	_, err := NewContextPool[*conn](0, func(context.Context) (*conn, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = NewContextPool[*conn](1, nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

package artifact

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(id string) Request {
	return Request{RunID: "r1", ResourceID: id, Name: "snap", StorageType: StorageMemory, Payload: []byte(`{}`)}
}

func TestBatcher_DrainWaitsForSlowStorage(t *testing.T) {
	store := &MemoryStorage{Latency: 200 * time.Millisecond}
	b := NewBatcher(store, BatcherConfig{BatchSize: 10, FlushInterval: 50 * time.Millisecond}, nil)

	require.NoError(t, b.Enqueue(req("a")))
	require.NoError(t, b.Enqueue(req("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	assert.Len(t, store.Saved(), 2)
	assert.Equal(t, Stats{Enqueued: 2, Saved: 2}, b.Stats())
}

func TestBatcher_FlushesWhenBatchIsFull(t *testing.T) {
	store := NewMemoryStorage()
	b := NewBatcher(store, BatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, nil)
	defer b.Close(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(req(id)))
	}
	assert.Eventually(t, func() bool { return len(store.Saved()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.Calls())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	store := NewMemoryStorage()
	b := NewBatcher(store, BatcherConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil)
	defer b.Close(context.Background())

	require.NoError(t, b.Enqueue(req("a")))
	assert.Eventually(t, func() bool { return len(store.Saved()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBatcher_DrainSplitsIntoBatchSize(t *testing.T) {
	store := NewMemoryStorage()
	b := NewBatcher(store, BatcherConfig{BatchSize: 4, FlushInterval: time.Hour}, nil)

	// The size trigger may flush part of the input in the background; either
	// way no SaveBatch call carries more than 4 requests.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Enqueue(req(string(rune('a'+i)))))
	}
	require.NoError(t, b.Close(context.Background()))
	assert.Len(t, store.Saved(), 10)
	assert.GreaterOrEqual(t, store.Calls(), 3)
}

func TestBatcher_RetriesThenReportsFailure(t *testing.T) {
	var calls atomic.Int32
	store := StorageFunc(func(ctx context.Context, reqs []Request) ([]Result, error) {
		calls.Add(1)
		return nil, errors.New("store unavailable")
	})
	b := NewBatcher(store, BatcherConfig{FlushInterval: time.Hour, MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil)

	require.NoError(t, b.Enqueue(req("a")))
	err := b.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, Stats{Enqueued: 1, Failed: 1}, b.Stats())
}

func TestBatcher_DrainReportsEachFailureOnce(t *testing.T) {
	mem := NewMemoryStorage()
	store := StorageFunc(func(ctx context.Context, reqs []Request) ([]Result, error) {
		results, err := mem.SaveBatch(ctx, reqs)
		if err != nil {
			return nil, err
		}
		for i, r := range reqs {
			if r.ResourceID == "bad" {
				results[i].Err = errors.New("rejected")
			}
		}
		return results, nil
	})
	b := NewBatcher(store, BatcherConfig{FlushInterval: time.Hour, MaxAttempts: 1}, nil)
	defer b.Close(context.Background())

	require.NoError(t, b.Enqueue(req("bad")))
	assert.ErrorIs(t, b.Drain(context.Background()), ErrSaveFailed)

	require.NoError(t, b.Enqueue(req("good")))
	assert.NoError(t, b.Drain(context.Background()), "the earlier failure belongs to the previous drain")
	assert.Equal(t, 1, b.Stats().Failed)
}

func TestBatcher_RetriesOnlyFailedResults(t *testing.T) {
	var attempts atomic.Int32
	mem := NewMemoryStorage()
	store := StorageFunc(func(ctx context.Context, reqs []Request) ([]Result, error) {
		n := attempts.Add(1)
		results, err := mem.SaveBatch(ctx, reqs)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			results[0].Err = errors.New("transient")
		}
		return results, nil
	})
	b := NewBatcher(store, BatcherConfig{FlushInterval: time.Hour, RetryBackoff: time.Millisecond}, nil)

	require.NoError(t, b.Enqueue(req("a")))
	require.NoError(t, b.Enqueue(req("b")))
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 2, b.Stats().Saved)
	// the first attempt stored both, the retry stored "a" again
	assert.Len(t, mem.Saved(), 3)
}

func TestBatcher_EnqueueAfterClose(t *testing.T) {
	b := NewBatcher(NewMemoryStorage(), BatcherConfig{}, nil)
	require.NoError(t, b.Close(context.Background()))
	assert.ErrorIs(t, b.Enqueue(req("a")), ErrClosed)
	assert.NoError(t, b.Close(context.Background()))
}

func TestBatcher_DrainHonorsContext(t *testing.T) {
	store := &MemoryStorage{Latency: time.Second}
	b := NewBatcher(store, BatcherConfig{FlushInterval: time.Hour, MaxAttempts: 1}, nil)
	defer b.Close(context.Background())

	require.NoError(t, b.Enqueue(req("a")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Drain(ctx))
}

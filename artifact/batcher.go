package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultMaxAttempts   = 3
	defaultRetryBackoff  = 100 * time.Millisecond
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("artifact: batcher closed")

// BatcherConfig controls batching and retry. Zero values take the defaults.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Stats is a point-in-time view of a Batcher's counters.
type Stats struct {
	Enqueued int `json:"enqueued"`
	Saved    int `json:"saved"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// Batcher buffers artifacts and saves them to a Storage in batches, when
// BatchSize requests are pending or every FlushInterval, whichever comes first.
// Enqueue never waits on the storage. Drain blocks until everything enqueued
// before the call has been handed to SaveBatch and that call has returned.
type Batcher struct {
	storage Storage
	cfg     BatcherConfig
	log     logrus.FieldLogger

	mu       sync.Mutex
	pending  []Request
	enqueued int
	handled  int
	saved    int
	failed   int
	reported int // failed as of the last Drain that returned
	progress chan struct{}
	closed   bool

	flushMu sync.Mutex

	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewBatcher starts a batcher over storage. Call Close to stop it.
func NewBatcher(storage Storage, cfg BatcherConfig, log logrus.FieldLogger) *Batcher {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	b := &Batcher{
		storage:  storage,
		cfg:      cfg.withDefaults(),
		log:      log.WithField("component", "artifact_batcher"),
		progress: make(chan struct{}),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.loop()
	return b
}

// Enqueue adds req to the pending buffer.
func (b *Batcher) Enqueue(req Request) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, req)
	b.enqueued++
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stats returns the current counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Enqueued: b.enqueued,
		Saved:    b.saved,
		Failed:   b.failed,
		Pending:  b.enqueued - b.handled,
	}
}

// Drain flushes and waits until every artifact enqueued before the call has
// been attempted. It returns ErrSaveFailed if any artifact has exhausted its
// attempts since the previous Drain returned, so a batcher shared by
// consecutive runs reports each failure once.
func (b *Batcher) Drain(ctx context.Context) error {
	b.mu.Lock()
	target := b.enqueued
	b.mu.Unlock()

	b.flush(ctx)

	for {
		b.mu.Lock()
		handled, ch := b.handled, b.progress
		if handled >= target {
			failed := b.failed - b.reported
			b.reported = b.failed
			b.mu.Unlock()
			if failed > 0 {
				return fmt.Errorf("%w: %d artifacts", ErrSaveFailed, failed)
			}
			return nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("artifact drain: %d pending: %w", target-handled, ctx.Err())
		case <-ch:
		}
	}
}

// Close stops the background loop and drains what is left. Enqueue fails
// afterwards. Close is safe to call more than once.
func (b *Batcher) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)
		<-b.stopped
	})
	return b.Drain(ctx)
}

func (b *Batcher) loop() {
	defer close(b.stopped)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-b.stop:
			return
		case <-b.kick:
			b.flush(ctx)
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// flush saves everything pending at the time it takes the flush lock.
func (b *Batcher) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	reqs := b.pending
	b.pending = nil
	b.mu.Unlock()

	for start := 0; start < len(reqs); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]
		failed := b.save(ctx, chunk)

		b.mu.Lock()
		b.handled += len(chunk)
		b.saved += len(chunk) - failed
		b.failed += failed
		close(b.progress)
		b.progress = make(chan struct{})
		b.mu.Unlock()
	}
}

// save tries reqs up to MaxAttempts times and returns how many never succeeded.
func (b *Batcher) save(ctx context.Context, reqs []Request) int {
	remaining := reqs
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		results, err := b.storage.SaveBatch(ctx, remaining)
		if err != nil {
			lastErr = err
		} else {
			var retry []Request
			for i, req := range remaining {
				if i >= len(results) {
					retry = append(retry, req)
					lastErr = fmt.Errorf("storage returned %d results for %d requests", len(results), len(remaining))
					continue
				}
				if results[i].Err != nil {
					retry = append(retry, req)
					lastErr = results[i].Err
				}
			}
			remaining = retry
		}
		if len(remaining) == 0 {
			return 0
		}
		if attempt == b.cfg.MaxAttempts {
			break
		}
		b.log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt,
			"count":   len(remaining),
		}).Warn("artifact save failed, retrying")
		select {
		case <-ctx.Done():
			b.log.WithError(ctx.Err()).WithField("count", len(remaining)).Error("artifact save abandoned")
			return len(remaining)
		case <-time.After(b.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	b.log.WithError(lastErr).WithField("count", len(remaining)).Error("artifact save gave up")
	return len(remaining)
}

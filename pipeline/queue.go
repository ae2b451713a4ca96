package pipeline

import "context"

// queue links two stages. send blocks while the queue is full and reports
// false if ctx ends first; close signals that no more items will be sent.
type queue interface {
	send(ctx context.Context, e envelope) bool
	recv() <-chan envelope
	close()
}

func newQueue(capacity int) queue {
	if capacity > 0 {
		return boundedQueue(make(chan envelope, capacity))
	}
	return newUnboundedQueue()
}

type boundedQueue chan envelope

func (q boundedQueue) send(ctx context.Context, e envelope) bool {
	select {
	case q <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q boundedQueue) recv() <-chan envelope { return q }
func (q boundedQueue) close()                { close(q) }

// unboundedQueue buffers in a slice; a pump goroutine moves items from in to out.
type unboundedQueue struct {
	in  chan envelope
	out chan envelope
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{in: make(chan envelope), out: make(chan envelope)}
	go q.pump()
	return q
}

func (q *unboundedQueue) pump() {
	defer close(q.out)
	var buf []envelope
	in := q.in
	for in != nil || len(buf) > 0 {
		var out chan envelope
		var next envelope
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case e, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, e)
		case out <- next:
			buf[0] = envelope{}
			buf = buf[1:]
		}
	}
}

func (q *unboundedQueue) send(ctx context.Context, e envelope) bool {
	select {
	case q.in <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *unboundedQueue) recv() <-chan envelope { return q.out }
func (q *unboundedQueue) close()                { close(q.in) }

package bus

import (
	"context"
	"sync"

	"makerbot/pkg/exception"
)

// Queue is a bounded, non-blocking queue between a producer goroutine and
// the control loop.
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPublish enqueues an item without blocking.
func (q *Queue[T]) TryPublish(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return exception.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return exception.ErrQueueFull
	}
}

// Close stops the queue from accepting new items. Queued items can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Drain hands every queued item to handler without blocking and returns the count.
func (q *Queue[T]) Drain(handler func(T)) int {
	n := 0
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return n
			}
			handler(item)
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Pump publishes everything received on src until src closes or ctx is done.
// Items that do not fit are passed to onDrop.
func (q *Queue[T]) Pump(ctx context.Context, src <-chan T, onDrop func(T, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-src:
			if !ok {
				return
			}
			if err := q.TryPublish(item); err != nil && onDrop != nil {
				onDrop(item, err)
			}
		}
	}
}

// Run consumes items until the context is done or the queue is closed.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.ch:
			if !ok {
				return
			}
			handler(item)
		}
	}
}

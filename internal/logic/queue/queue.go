package queue

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of handles shared between two goroutines.
//
// Send blocks while the queue is full: nothing is ever dropped or evicted.
// A successful Send moves ownership of the value to the receiver.
type Queue[T any] struct {
	name string
	ch   chan T

	mu      sync.RWMutex
	admit   func()
	abandon func()
}

// New creates a queue holding at most capacity items (minimum 1).
func New[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
	}
}

// Name returns the queue label used in logs.
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Watch installs admission hooks. admit runs before a Send may block, so
// a consumer never sees an item that was not yet counted. abandon runs if
// that Send gives up on context cancellation.
func (q *Queue[T]) Watch(admit, abandon func()) {
	q.mu.Lock()
	q.admit = admit
	q.abandon = abandon
	q.mu.Unlock()
}

func (q *Queue[T]) hooks() (func(), func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.admit, q.abandon
}

// Send enqueues v, blocking while the queue is full.
// ctx only bounds the wait for shutdown; on error the caller still owns v.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	admit, abandon := q.hooks()
	if admit != nil {
		admit()
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		if abandon != nil {
			abandon()
		}
		return ctx.Err()
	}
}

// Recv dequeues the oldest item, blocking while the queue is empty.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryRecv dequeues without blocking.
func (q *Queue[T]) TryRecv() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

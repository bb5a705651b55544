// internal/queue/queue.go
package queue

import (
	"sync"

	ring "github.com/eapache/queue"
)

// Queue is an unbounded multi-producer FIFO with blocking Dequeue and
// cooperative shutdown. Several consumers may drain it; every item is
// handed to exactly one of them.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *ring.Queue
	closed bool
}

// New returns an empty, open queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{items: ring.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the tail and wakes one waiting consumer.
// It never blocks on consumers. Items enqueued after Shutdown are still
// drained before Dequeue reports closure.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items.Add(item)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue blocks until an item is available or the queue is shut down.
// ok is false only when the queue is shut down and empty; after that the
// caller must stop consuming.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		return item, false
	}
	return q.items.Remove().(T), true
}

// Shutdown marks the queue closed and wakes every waiting consumer.
// Calling it more than once is a no-op.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of items waiting.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Closed reports whether Shutdown has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

package taskqueue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("taskqueue: closed")

// Queue is a fixed-capacity FIFO ring buffer. Enqueue blocks while the queue
// is full and Dequeue blocks while it is empty. A single mutex guards the
// buffer and counters; every operation under it is O(1).
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf    []T
	head   int
	count  int
	closed bool
}

// New returns a Queue holding at most capacity items. capacity must be
// positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("taskqueue: capacity must be positive")
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item at the tail, waiting for a free slot if needed.
// It returns ErrClosed if the queue is closed before the item is accepted.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == len(q.buf) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the head item, waiting until one is available.
// ok is false only when the queue is closed and fully drained.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.count == 0 {
		return item, false
	}
	var zero T
	item = q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return item, true
}

// Close stops accepting new items and wakes every blocked caller. Items
// already buffered remain available to Dequeue.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.buf) }

package memkeeper

import "sync"

// op is a unit of work run by the owner goroutine.
type op func(st *state)

// opQueue is a thread-safe FIFO of operations.
//
// The queue is unbounded so submitters never block on each other; the
// signal channel lets the owner wait for work without polling.
type opQueue struct {
	mu     sync.Mutex
	ops    []op
	closed bool
	signal chan struct{} // Signals op availability (buffered, size 1)
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:    make([]op, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an op to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(o op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ops = append(q.ops, o)

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front op without blocking.
func (q *opQueue) TryDequeue() (op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}
	o := q.ops[0]
	// Drop the reference so the closure and its captures can be collected.
	q.ops[0] = nil
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}
	return o, true
}

// Wait returns a channel that signals when ops may be available. It is
// closed by Close.
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drained reports whether the queue is closed and every op has run.
func (q *opQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.ops) == 0
}

// Close stops accepting ops and wakes the owner. Ops already queued still run.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

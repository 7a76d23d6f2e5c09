// Package dispatch runs SDK callbacks on the goroutine that drives the poll
// loop.
//
// Network and MQTT drivers complete their work on their own goroutines. They
// never touch bring-up state directly: they Post a closure, and the closure
// runs inside Drain, called from the keepalive pump. Code that only runs from
// drained callbacks or from the poll loop needs no locking.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity bounds the number of callbacks waiting for the next pump.
const DefaultCapacity = 64

// ErrQueueFull is returned by Post when the queue is at capacity.
var ErrQueueFull = errors.New("dispatch: queue full")

// Poster is implemented by anything callbacks can be handed to.
type Poster interface {
	Post(fn func()) error
}

var _ Poster = (*Queue)(nil)

// Queue is a bounded FIFO of callbacks. Post is safe from any goroutine;
// Drain must only be called from the poll loop.
type Queue struct {
	ch chan func()
}

// NewQueue returns a queue holding at most capacity callbacks.
// A capacity below one uses DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan func(), capacity)}
}

// Post enqueues fn without blocking.
func (q *Queue) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case q.ch <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports the number of callbacks waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain runs callbacks as they arrive until timeout elapses or ctx is done,
// and returns how many ran. A zero timeout only runs what is already queued.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return q.drainPending()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	n := 0
	for {
		select {
		case fn := <-q.ch:
			fn()
			n++
		case <-timer.C:
			return n + q.drainPending()
		case <-ctx.Done():
			return n
		}
	}
}

func (q *Queue) drainPending() int {
	n := 0
	for {
		select {
		case fn := <-q.ch:
			fn()
			n++
		default:
			return n
		}
	}
}

// Package queue serializes calls to the primary AI provider. Bursty
// concurrent traffic funnels through a fixed worker pool so the number of
// simultaneous upstream calls never exceeds the configured concurrency
// (typically 1), which keeps the provider's own rate limiter quiet.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when the queue has reached its maximum depth.
var ErrQueueFull = errors.New("request queue is full")

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("request queue is closed")

type entry struct {
	ctx      context.Context
	fn       func(context.Context) error
	done     chan error
	queuedAt time.Time
}

// Queue is a FIFO serializer with a bounded in-flight count. Items execute
// strictly in submission order as workers free up.
type Queue struct {
	work chan *entry
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	depth    atomic.Int64
	inFlight atomic.Int64
}

// New creates a Queue with the given worker concurrency and maximum queued
// depth, and starts its workers.
func New(concurrency, maxDepth int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	q := &Queue{work: make(chan *entry, maxDepth)}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Do submits fn and blocks until it has run or ctx is done. If the caller's
// ctx expires while the item is still queued, the item is skipped when a
// worker reaches it and its resources are released.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}

	e := &entry{ctx: ctx, fn: fn, done: make(chan error, 1), queuedAt: time.Now()}
	select {
	case q.work <- e:
		q.depth.Add(1)
		q.mu.RUnlock()
	default:
		q.mu.RUnlock()
		return ErrQueueFull
	}

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		// The worker will notice the dead ctx and skip the work; the
		// buffered done channel means it never blocks on us.
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for e := range q.work {
		q.depth.Add(-1)

		// Caller gave up while queued.
		if err := e.ctx.Err(); err != nil {
			e.done <- err
			continue
		}

		q.inFlight.Add(1)
		err := e.fn(e.ctx)
		q.inFlight.Add(-1)
		e.done <- err
	}
}

// Status returns a snapshot of queued and in-flight counts for health checks.
func (q *Queue) Status() (depth, inFlight int) {
	return int(q.depth.Load()), int(q.inFlight.Load())
}

// Close stops accepting work, lets queued items drain, and waits for the
// workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.work)
	q.wg.Wait()
}

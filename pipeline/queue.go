package pipeline

import (
	"sync"
	"time"
)

// unboundedQueue is a growable producer/consumer queue with no capacity
// limit. Design notes in spec.md §9 flag unbounded progress/artifact
// queues as the default, pragmatic but memory-unsafe under sustained
// overload; callers needing a bound can wrap push with their own
// semaphore (see handlePool for the analogous bounded primitive).
type unboundedQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newUnboundedQueue[T any]() *unboundedQueue[T] {
	return &unboundedQueue[T]{notify: make(chan struct{})}
}

// push appends v. No-op once the queue has been closed.
func (q *unboundedQueue[T]) push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// requeue appends items even if the queue is closed. Used internally by
// the batch consumer to retry deferred rows discovered during its final
// drain-on-close flush.
func (q *unboundedQueue[T]) requeue(vs []T) {
	if len(vs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, vs...)
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// close marks the queue closed. Any items already queued remain
// available to drain; push becomes a no-op.
func (q *unboundedQueue[T]) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	ch := q.notify
	q.mu.Unlock()
	close(ch)
}

// waitChan returns a channel that closes the next time an item is
// pushed or the queue is closed.
func (q *unboundedQueue[T]) waitChan() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

func (q *unboundedQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *unboundedQueue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drain removes up to max items (max<=0 means all) and returns them.
func (q *unboundedQueue[T]) drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q.items) {
		out := q.items
		q.items = nil
		return out
	}
	out := make([]T, max)
	copy(out, q.items[:max])
	rest := make([]T, len(q.items)-max)
	copy(rest, q.items[max:])
	q.items = rest
	return out
}

// batchConsumer drains a queue on a batch-size-or-deadline schedule and
// hands each batch to flush. flush may return a subset of the batch it
// could not apply (deferred); those are requeued after a short pause
// for a later attempt. A fatal error from flush is reported once via
// onFatal and stops the consumer.
type batchConsumer[T any] struct {
	queue         *unboundedQueue[T]
	batchSize     int
	flushInterval time.Duration
	flush         func(batch []T) (deferred []T, err error)
	onFatal       func(error)

	deferredPause time.Duration // default 50ms
}

func (c *batchConsumer[T]) run(wg *sync.WaitGroup) {
	defer wg.Done()
	if c.deferredPause <= 0 {
		c.deferredPause = 50 * time.Millisecond
	}
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	fatal := false
	flushBatch := func(batch []T) {
		if fatal || len(batch) == 0 {
			return
		}
		deferred, err := c.flush(batch)
		if err != nil {
			fatal = true
			c.onFatal(err)
			return
		}
		if len(deferred) > 0 {
			go func() {
				time.Sleep(c.deferredPause)
				c.queue.requeue(deferred)
			}()
		}
	}

	for {
		waitCh := c.queue.waitChan()
		var fromTicker bool
		select {
		case <-waitCh:
		case <-ticker.C:
			fromTicker = true
		}
		if fatal {
			return
		}

		if fromTicker {
			if batch := c.queue.drain(0); len(batch) > 0 {
				flushBatch(batch)
			}
		} else {
			for c.queue.len() >= c.batchSize && c.batchSize > 0 {
				flushBatch(c.queue.drain(c.batchSize))
			}
			if c.queue.isClosed() {
				if rem := c.queue.drain(0); len(rem) > 0 {
					flushBatch(rem)
				}
				return
			}
		}
		if fatal {
			return
		}
		if c.queue.isClosed() && c.queue.len() == 0 {
			return
		}
	}
}

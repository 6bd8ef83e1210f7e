// Package memory is an in-process queue driver with the same claim and retry
// semantics as the broker-backed one. Jobs do not survive a restart.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"
)

type entry struct {
	job     models.FrameJob
	attempt int
}

type Queue struct {
	mu      sync.Mutex
	pending []entry
	ready   chan struct{} // closed and replaced whenever pending grows
	closed  bool
	done    chan struct{}

	enqueued atomic.Uint64
	acked    atomic.Uint64
	retried  atomic.Uint64
	dropped  atomic.Uint64
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending  int
	Enqueued uint64
	Acked    uint64
	Retried  uint64
	Dropped  uint64
}

func New() *Queue {
	return &Queue{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (q *Queue) Enqueue(_ context.Context, job models.FrameJob) error {
	if !q.push(entry{job: job, attempt: 1}) {
		return queue.ErrClosed
	}
	q.enqueued.Add(1)
	return nil
}

func (q *Queue) push(e entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.pending = append(q.pending, e)
	close(q.ready)
	q.ready = make(chan struct{})
	return true
}

// claim pops the oldest pending entry, or returns the channel to wait on.
func (q *Queue) claim() (entry, <-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return entry{}, q.ready, false
	}
	e := q.pending[0]
	q.pending[0] = entry{}
	q.pending = q.pending[1:]
	return e, nil, true
}

func (q *Queue) unclaim(e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append([]entry{e}, q.pending...)
}

func (q *Queue) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, queue.ErrClosed
	}

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			e, wait, ok := q.claim()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-wait:
				}
				continue
			}

			select {
			case out <- &delivery{q: q, entry: e}:
			case <-ctx.Done():
				q.unclaim(e)
				return
			case <-q.done:
				return
			}
		}
	}()
	return out, nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()

	return Stats{
		Pending:  pending,
		Enqueued: q.enqueued.Load(),
		Acked:    q.acked.Load(),
		Retried:  q.retried.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// Close stops consumers. Pending jobs and scheduled retries are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

type delivery struct {
	q       *Queue
	entry   entry
	settled atomic.Bool
}

func (d *delivery) Job() models.FrameJob { return d.entry.job }
func (d *delivery) Attempt() int         { return d.entry.attempt }

func (d *delivery) Ack(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	d.q.acked.Add(1)
	return nil
}

func (d *delivery) Retry(_ context.Context, delay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	d.q.retried.Add(1)

	next := entry{job: d.entry.job, attempt: d.entry.attempt + 1}
	time.AfterFunc(delay, func() {
		d.q.push(next)
	})
	return nil
}

func (d *delivery) Drop(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return queue.ErrAlreadySettled
	}
	d.q.dropped.Add(1)
	return nil
}

// Package memory is an in-process relay bus. Each subscription has its own
// buffer and goroutine; a full buffer drops the event for that subscription
// only, so Publish never blocks.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"
)

const DefaultBuffer = 64

type subscription struct {
	ch chan models.ProcessedFrameEvent
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	buffer int
	closed bool

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a snapshot of bus counters. Sent and Dropped cover every
// subscription the bus has had, including ended ones.
type Stats struct {
	Published     uint64
	Sent          uint64
	Dropped       uint64
	Subscriptions int
}

func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
	}
}

func (b *Bus) Publish(_ context.Context, event models.ProcessedFrameEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return relay.ErrClosed
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler relay.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return relay.ErrClosed
	}
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan models.ProcessedFrameEvent, b.buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	go func() {
		for event := range sub.ch {
			handler(event)
		}
	}()
	return nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Sent:          b.sent.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: len(b.subs),
	}
}

// Close ends every subscription. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}

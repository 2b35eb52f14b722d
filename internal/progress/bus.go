package progress

import (
	"context"
	"sync"

	"astro-studio-backend/internal/metrics"
)

// subscriberBuffer bounds each subscriber channel. A slow subscriber
// drops events rather than blocking publishers.
const subscriberBuffer = 64

// Bus delivers progress events to per-user subscribers. Delivery is
// best-effort, at-most-once: with no live subscriber the event is dropped.
type Bus interface {
	Publish(ctx context.Context, userID string, event Event) error
	Subscribe(userID string) (<-chan Event, func())
	Close() error
}

// MemoryBus fans events out to in-process subscribers. It backs tests and
// single-node runs, and serves as the local delivery half of RedisBus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(_ context.Context, userID string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	for _, ch := range b.subs[userID] {
		select {
		case ch <- event:
		default:
			// Subscriber is not draining; drop.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[userID] = append(b.subs[userID], ch)
	metrics.ActiveSubscribers.Inc()
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[userID]
			for i, c := range list {
				if c == ch {
					b.subs[userID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(ch)
			metrics.ActiveSubscribers.Dec()
		})
	}
	return ch, unsubscribe
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for user, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(b.subs, user)
	}
	return nil
}

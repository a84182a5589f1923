package events

import (
	"context"
	"log"
	"sync"
)

// Publisher is the outbound side of the pipeline. Both the in-memory bus and
// the Pub/Sub publisher satisfy it.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// MemoryBus is an in-process bus for tests and single-node runs. Events are
// validated and fanned out to subscriber channels in publish order.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan *Event
	allSubs     []chan *Event
	published   []*Event
	logger      *log.Logger
	bufferSize  int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[Type][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is named.
func (b *MemoryBus) Subscribe(types ...Type) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *MemoryBus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish validates the event and delivers it to matching subscribers.
// A full subscriber channel is skipped rather than blocking the publisher.
func (b *MemoryBus) Publish(_ context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, e)
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
			b.logger.Printf("subscriber channel full, dropping %s", e.ID)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Published snapshots everything published so far, in order. Test helper.
func (b *MemoryBus) Published() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Event, len(b.published))
	copy(out, b.published)
	return out
}

func (b *MemoryBus) Close() error { return nil }

var _ Publisher = (*MemoryBus)(nil)

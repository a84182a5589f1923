package degrade

import (
	"sync"
	"time"
)

// DefaultBufferCapacity bounds the event buffer at 10 000 entries.
const DefaultBufferCapacity = 10_000

// BufferedEvent is one event held while the bus is unavailable.
type BufferedEvent struct {
	Topic    string
	Key      string
	Payload  []byte
	Buffered time.Time
}

// EventBuffer is a mutex-guarded FIFO with drop-oldest overflow.
type EventBuffer struct {
	mu       sync.Mutex
	entries  []BufferedEvent
	capacity int
	dropped  int
}

func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{capacity: capacity}
}

// Push appends an event, evicting the oldest entry at capacity.
func (b *EventBuffer) Push(ev BufferedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, ev)
}

// Peek returns the oldest event without removing it.
func (b *EventBuffer) Peek() (BufferedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return BufferedEvent{}, false
	}
	return b.entries[0], true
}

// Pop removes the oldest event.
func (b *EventBuffer) Pop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 {
		b.entries = b.entries[1:]
	}
}

// Len returns the current depth.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many events were evicted by overflow.
func (b *EventBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

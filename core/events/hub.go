package events

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Hub is an Emitter that relays events to live subscribers. Slow subscribers
// lose events rather than blocking the emitting operation.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
}

// NewHub constructs a hub whose subscriber channels hold buffer events. A
// non-positive buffer selects the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

package server

import (
	"sync"
)

// Hub fans out the latest ledger position to notification subscribers.
// Slow subscribers never block Notify: each subscription holds only the most
// recent value, older pending values are replaced.
type Hub struct {
	mu     sync.Mutex
	latest int64
	subs   map[chan int64]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan int64]struct{})}
}

// Notify publishes seq to every subscriber. Values that do not advance the
// latest known position are ignored.
func (h *Hub) Notify(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if seq <= h.latest {
		return
	}

	h.latest = seq

	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}

		ch <- seq
	}
}

// Latest returns the highest position published so far.
func (h *Hub) Latest() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.latest
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it; the channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan int64, func()) {
	ch := make(chan int64, 1)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

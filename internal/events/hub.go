// Package events fans UI messages out to every connected drawer.
package events

import (
	"log/slog"
	"sync"

	"github.com/dispatchpilot/internal/message"
)

// Hub delivers published messages to every subscriber. A subscriber whose
// buffer is full misses the message rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan message.UI
	closed bool
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[uint64]chan message.UI), logger: logger}
}

// Subscribe returns a channel of messages and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan message.UI, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan message.UI, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *Hub) Publish(m message.UI) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- m:
		default:
			h.logger.Warn("events: subscriber too slow, dropping message", "subscriber", id, "type", m.Type())
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later Subscribe calls get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

package events

import (
	"context"
	"sync"

	"github.com/example/ride-bidding/internal/models"
)

// Hub fans relayed events out to in-process listeners of one order, such as
// websocket streams. A listener that falls behind is dropped; its channel is
// closed so the reader can reconnect and re-read state.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*listener]struct{}
	buffer int
}

type listener struct {
	ch     chan models.OrderEvent
	filter Filter
	closed bool
	ended  bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*listener]struct{}), buffer: buffer}
}

func (h *Hub) Name() string { return "hub" }

// Subscription is one listener of one order.
type Subscription struct {
	hub     *Hub
	orderID string
	l       *listener
}

func (s *Subscription) Events() <-chan models.OrderEvent { return s.l.ch }

// Ended reports whether the channel was closed because the filter finished
// the stream, rather than because the listener fell behind.
func (s *Subscription) Ended() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.l.ended
}

func (s *Subscription) Close() { s.hub.remove(s.orderID, s.l) }

// Subscribe registers a listener for orderID. A nil filter passes every
// event unchanged.
func (h *Hub) Subscribe(orderID string, filter Filter) *Subscription {
	l := &listener{ch: make(chan models.OrderEvent, h.buffer), filter: filter}
	h.mu.Lock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[*listener]struct{})
	}
	h.subs[orderID][l] = struct{}{}
	h.mu.Unlock()
	return &Subscription{hub: h, orderID: orderID, l: l}
}

func (h *Hub) remove(orderID string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(orderID, l)
}

// drop must be called with h.mu held.
func (h *Hub) drop(orderID string, l *listener) {
	if set, ok := h.subs[orderID]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(h.subs, orderID)
		}
	}
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

func (h *Hub) Handle(_ context.Context, ev models.OrderEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.subs[ev.OrderID] {
		out, deliver, end := ev, true, false
		if l.filter != nil {
			out, deliver, end = l.filter(ev)
		}
		if !deliver {
			continue
		}
		select {
		case l.ch <- out:
			if end {
				l.ended = true
				h.drop(ev.OrderID, l)
			}
		default:
			h.drop(ev.OrderID, l)
		}
	}
	return nil
}

// Listeners counts open subscriptions of orderID.
func (h *Hub) Listeners(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[orderID])
}

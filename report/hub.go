// Package report exposes the engine's read-only view: an event hub for
// push subscribers (dashboard, notification robots) and an HTTP server
// serving snapshots, a websocket event stream, and Prometheus metrics.
package report

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantgrid/qgr/types"
)

const subscriberBuffer = 64

// Subscription receives events of the requested types on C. A slow
// subscriber drops events rather than blocking the engine.
type Subscription struct {
	C     chan types.Event
	kinds map[types.EventType]bool
	hub   *Hub
}

func (s *Subscription) wants(t types.EventType) bool {
	return len(s.kinds) == 0 || s.kinds[t]
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans events out to subscribers. Publish never blocks.
type Hub struct {
	sugar *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[*Subscription]bool
	dropped uint64
}

func NewHub(sugar *zap.SugaredLogger) *Hub {
	return &Hub{
		sugar: sugar,
		subs:  make(map[*Subscription]bool),
	}
}

// Subscribe registers for the given event types; no types means all.
func (h *Hub) Subscribe(kinds ...types.EventType) *Subscription {
	sub := &Subscription{
		C:     make(chan types.Event, subscriberBuffer),
		kinds: make(map[types.EventType]bool, len(kinds)),
		hub:   h,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.C)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			h.dropped++
			if h.dropped%100 == 1 {
				h.sugar.Warnw("slow subscriber, dropping events", "dropped", h.dropped)
			}
		}
	}
}

// Dropped reports how many events were discarded on full subscriber
// queues.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

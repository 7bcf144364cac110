package server

import (
	"strings"
	"sync"
	"time"

	"investchain/core/events"
	"investchain/core/types"
	"investchain/observability/metrics"
)

// StreamEvent is the wire form pushed to websocket subscribers.
type StreamEvent struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

type attributed interface {
	Event() *types.Event
}

// Relay implements the engines' emitter interface: every engine event is
// counted in the metrics registry and fanned out to websocket subscribers.
// Slow subscribers drop events rather than block the engines.
type Relay struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan StreamEvent
	metrics *metrics.EngineMetrics
}

// NewRelay builds a relay bound to the engine metrics.
func NewRelay() *Relay {
	return &Relay{
		subs:    make(map[int]chan StreamEvent),
		metrics: metrics.Engine(),
	}
}

// Emit implements events.Emitter.
func (r *Relay) Emit(evt events.Event) {
	if r == nil || evt == nil {
		return
	}
	stream := StreamEvent{Type: evt.EventType(), ObservedAt: time.Now()}
	if a, ok := evt.(attributed); ok {
		if inner := a.Event(); inner != nil {
			stream.Attributes = inner.Attributes
		}
	}
	r.observe(stream)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- stream:
		default:
		}
	}
}

func (r *Relay) observe(evt StreamEvent) {
	switch {
	case strings.HasPrefix(evt.Type, "escrow."):
		r.metrics.ObserveEscrowTransition(strings.TrimPrefix(evt.Type, "escrow."))
	case evt.Type == "sale.purchased":
		r.metrics.ObservePurchase("direct")
	case evt.Type == "sale.escrow_purchase":
		r.metrics.ObservePurchase("escrow")
	case evt.Type == "sale.claimed_back":
		r.metrics.ObserveRefund(evt.Attributes["currency"])
	case evt.Type == "sale.initialized":
		r.metrics.ObserveSaleInitialized()
	}
}

// Subscribe registers a buffered event channel. The returned cancel function
// must be called to release the subscription.
func (r *Relay) Subscribe() (<-chan StreamEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan StreamEvent, 64)
	r.subs[id] = ch
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

var _ events.Emitter = (*Relay)(nil)

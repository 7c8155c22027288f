// Package notify fans lifecycle events out to the observers connected at publish time.
//
// Delivery is best effort and at most once. There is no history: an observer
// that subscribes after an event fired never sees it, so pollers of the job
// status endpoint remain the source of truth.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"inference-bridge/internal/models"
	"inference-bridge/internal/telemetry"
)

// DefaultBuffer is the per-subscriber channel size used when none is configured.
const DefaultBuffer = 32

// Subscription is one observer's view of the event stream.
type Subscription struct {
	C <-chan models.Event

	id   uint64
	ch   chan models.Event
	hub  *Hub
	once sync.Once
}

// Close detaches the subscription. It is safe to call more than once and
// after the hub already dropped the subscriber.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Hub is a fan-out broadcaster.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	log    zerolog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events each.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan models.Event, h.buffer)

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{C: ch, id: h.nextID, ch: ch, hub: h}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	telemetry.EventSubscribers.Set(float64(count))
	h.log.Debug().Uint64("subscriber", sub.id).Int("subscribers", count).Msg("observer subscribed")
	return sub
}

// Publish pushes evt to every current subscriber without blocking. A
// subscriber that cannot take the event is dropped and its channel closed.
func (h *Hub) Publish(evt models.Event) {
	h.mu.Lock()
	var dropped []*Subscription
	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(h.subs, id)
			dropped = append(dropped, sub)
		}
	}
	count := len(h.subs)
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.once.Do(func() { close(sub.ch) })
		telemetry.EventsDropped.Inc()
		h.log.Warn().Uint64("subscriber", sub.id).Str("event", string(evt.Event)).Msg("dropping slow observer")
	}
	telemetry.EventSubscribers.Set(float64(count))
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		sub.once.Do(func() { close(sub.ch) })
		telemetry.EventSubscribers.Set(float64(count))
	}
}

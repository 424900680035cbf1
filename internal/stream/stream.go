// Package stream fans published outbox messages out to in-process
// subscribers (SSE clients, tests). It doubles as the development broker.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wasteops.org/internal/outbox"
)

// Event is one message as seen by a subscriber.
type Event struct {
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	Envelope  json.RawMessage `json:"envelope"`
	Received  time.Time       `json:"received_at"`
}

type subscriber struct {
	tenant string
	ch     chan Event
}

// Hub fan-outs events to all active subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

var _ outbox.Publisher = (*Hub)(nil)

func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for tenantID ("" receives every tenant)
// and returns a channel closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, tenantID string) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{tenant: tenantID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish implements outbox.Publisher. Delivery to a slow subscriber is
// dropped rather than blocking the dispatcher.
func (h *Hub) Publish(ctx context.Context, topic string, msg outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt := Event{
		Topic:     topic,
		EventID:   msg.ID,
		EventType: msg.EventType,
		TenantID:  msg.TenantID,
		Envelope:  append(json.RawMessage(nil), msg.Body...),
		Received:  time.Now().UTC(),
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.tenant != "" && s.tenant != msg.TenantID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribers reports the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

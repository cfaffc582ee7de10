package events

import (
	"io"
	"log/slog"
	"sync"

	v1 "ledger/shared/contracts/events/v1"
)

type subscription struct {
	client *Client
	// types is the trigger type filter. Empty means everything.
	types map[string]struct{}
}

func (s subscription) wants(triggerType string) bool {
	if len(s.types) == 0 || triggerType == "" {
		return true
	}
	_, ok := s.types[triggerType]
	return ok
}

// Hub fans events out to subscribed clients.
//
// Join and Leave are safe under concurrent Broadcast. Broadcast never blocks: a
// client whose queue is full misses the event.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]subscription
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{log: log, subs: make(map[string]subscription)}
}

// Join subscribes client to events for triggerTypes (all when empty).
func (h *Hub) Join(client *Client, triggerTypes []string) {
	if client == nil || client.SessionID == "" {
		return
	}
	sub := subscription{client: client}
	if len(triggerTypes) > 0 {
		sub.types = make(map[string]struct{}, len(triggerTypes))
		for _, tt := range triggerTypes {
			sub.types[tt] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[client.SessionID] = sub
	h.mu.Unlock()

	h.log.Info("events.subscriber.join", "session_id", client.SessionID, "trigger_types", triggerTypes)
}

// Leave removes the session and then closes its client.
func (h *Hub) Leave(sessionID string) {
	if sessionID == "" {
		return
	}

	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.client.Close()
	h.log.Info("events.subscriber.leave", "session_id", sessionID)
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers env to every subscriber interested in triggerType. An
// empty triggerType reaches everyone.
func (h *Hub) Broadcast(env v1.Envelope, triggerType string) (delivered int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !s.wants(triggerType) {
			continue
		}
		select {
		case <-s.client.Done():
			continue
		default:
		}
		select {
		case s.client.Send <- env:
			delivered++
		default:
		}
	}
	return delivered
}

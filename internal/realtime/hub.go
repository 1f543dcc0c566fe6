package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

const defaultBufferSize = 16

// Publisher delivers session events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Observer receives delivery outcomes for instrumentation.
type Observer interface {
	RecordFanoutEvent(kind, result string)
}

// HubConfig configures the in-process subscriber registry.
type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Observer   Observer
}

// Subscription is one live listener of a session room.
type Subscription struct {
	ID        string
	SessionID string
	// Full subscribers see student identities on accepted scans.
	Full bool

	ch     chan models.Event
	closed bool
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Hub fans events out to per-session subscriber groups. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	bufferSize int
	logger     *zap.Logger
	observer   Observer

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscription
}

// NewHub builds an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		sessions:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a listener for the session.
func (h *Hub) Subscribe(sessionID string, full bool) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Full:      full,
		ch:        make(chan models.Event, h.bufferSize),
	}

	h.mu.Lock()
	group, ok := h.sessions[sessionID]
	if !ok {
		group = make(map[string]*Subscription)
		h.sessions[sessionID] = group
	}
	group[sub.ID] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes the listener and closes its channel. Calling it twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if group, ok := h.sessions[sub.SessionID]; ok {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	h.closeLocked(sub)
}

// UnsubscribeSession ends every subscription of the session and returns how many
// were closed.
func (h *Hub) UnsubscribeSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	group := h.sessions[sessionID]
	for _, sub := range group {
		h.closeLocked(sub)
	}
	delete(h.sessions, sessionID)
	return len(group)
}

// Close ends every subscription of every session and returns how many were closed.
func (h *Hub) Close() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := 0
	for id, group := range h.sessions {
		for _, sub := range group {
			h.closeLocked(sub)
			closed++
		}
		delete(h.sessions, id)
	}
	return closed
}

// Subscribers returns the number of listeners on a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Publish delivers the event to every subscriber of its session without blocking.
func (h *Hub) Publish(_ context.Context, event models.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.sessions[event.SessionID] {
		out := viewFor(sub, event)
		select {
		case sub.ch <- out:
			h.record(event.Kind, "delivered")
		default:
			h.record(event.Kind, "dropped")
			h.logger.Debug("subscriber buffer full, event dropped",
				zap.String("session_id", event.SessionID),
				zap.String("subscription_id", sub.ID),
				zap.String("kind", string(event.Kind)),
			)
		}
	}
	return nil
}

func (h *Hub) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

func (h *Hub) record(kind models.EventKind, result string) {
	if h.observer != nil {
		h.observer.RecordFanoutEvent(string(kind), result)
	}
}

func viewFor(sub *Subscription, event models.Event) models.Event {
	if sub.Full || event.Kind != models.EventAttendanceAccepted {
		return event
	}
	switch data := event.Data.(type) {
	case models.AttendanceAcceptedData:
		event.Data = data.Anonymized()
	case *models.AttendanceAcceptedData:
		if data != nil {
			event.Data = data.Anonymized()
		}
	}
	return event
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// DefaultChannelPrefix namespaces the per-session pub/sub channels.
const DefaultChannelPrefix = "presence:session:"

// RedisBroadcaster publishes session events on Redis so every API instance can relay
// them to its own subscribers.
type RedisBroadcaster struct {
	client   *redis.Client
	hub      *Hub
	prefix   string
	logger   *zap.Logger
	observer Observer
}

// NewRedisBroadcaster wires a Redis client to a local hub.
func NewRedisBroadcaster(client *redis.Client, hub *Hub, prefix string, logger *zap.Logger, observer Observer) *RedisBroadcaster {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroadcaster{client: client, hub: hub, prefix: prefix, logger: logger, observer: observer}
}

// Channel returns the pub/sub channel of a session.
func (b *RedisBroadcaster) Channel(sessionID string) string {
	return b.prefix + sessionID
}

// Publish sends the event to the session channel. Local subscribers receive it
// through Run like everyone else.
func (b *RedisBroadcaster) Publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Kind, err)
	}
	if err := b.client.Publish(ctx, b.Channel(event.SessionID), payload).Err(); err != nil {
		b.record(event.Kind, "publish_failed")
		return fmt.Errorf("redis publish %s: %w", b.Channel(event.SessionID), err)
	}
	return nil
}

// Run relays pattern-subscribed messages into the local hub until ctx is done.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe %s*: %w", b.prefix, err)
	}
	b.logger.Info("fanout relay subscribed", zap.String("pattern", b.prefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				b.record("unknown", "decode_failed")
				b.logger.Warn("discarding undecodable fanout message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, b.prefix); want != event.SessionID {
				b.logger.Warn("fanout message on foreign channel", zap.String("channel", msg.Channel), zap.String("session_id", event.SessionID))
				continue
			}
			_ = b.hub.Publish(ctx, event)
		}
	}
}

func (b *RedisBroadcaster) record(kind models.EventKind, result string) {
	if b.observer != nil {
		b.observer.RecordFanoutEvent(string(kind), result)
	}
}

type wireEvent struct {
	Kind      models.EventKind `json:"kind"`
	SessionID string           `json:"session_id"`
	Data      json.RawMessage  `json:"data"`
	At        time.Time        `json:"at"`
}

// DecodeEvent restores the typed payload of a relayed event.
func DecodeEvent(raw []byte) (models.Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return models.Event{}, err
	}
	if wire.SessionID == "" {
		return models.Event{}, fmt.Errorf("event without session id")
	}

	event := models.Event{Kind: wire.Kind, SessionID: wire.SessionID, At: wire.At}
	var err error
	switch wire.Kind {
	case models.EventCredentialRotated:
		var data models.CredentialRotatedData
		err = json.Unmarshal(wire.Data, &data)
		event.Data = data
	case models.EventAttendanceAccepted:
		var data models.AttendanceAcceptedData
		err = json.Unmarshal(wire.Data, &data)
		event.Data = data
	case models.EventSessionStatus:
		var data models.SessionStatusData
		err = json.Unmarshal(wire.Data, &data)
		event.Data = data
	default:
		return models.Event{}, fmt.Errorf("unknown event kind %q", wire.Kind)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("decode %s payload: %w", wire.Kind, err)
	}
	return event, nil
}

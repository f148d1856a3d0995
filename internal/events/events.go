// Package events implements the internal event bus using NATS pub/sub. It
// carries capsule/edge change notifications from the graph-writing path into
// the Cache Invalidator. It also defines peer, sync and session lifecycle
// subjects; no package in this module publishes on them, the Federation Sync
// Engine included. It is a best-effort local bus, never the system of
// record: sync state and peer state live in PostgreSQL (internal/database).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy for all event types.
// Subjects follow the pattern: forge.<category>.<action>
const (
	// Capsule (graph entity) change events. Consumed by the Cache Invalidator.
	SubjectCapsuleCreated = "forge.capsule.created"
	SubjectCapsuleUpdated = "forge.capsule.updated"
	SubjectCapsuleDeleted = "forge.capsule.deleted"

	// Lineage change events, fired when a capsule's parent set changes.
	SubjectLineageChanged = "forge.capsule.lineage_changed"

	// Peer lifecycle events.
	SubjectPeerRegistered = "forge.peer.registered"
	SubjectPeerRecovered  = "forge.peer.recovered"
	SubjectPeerRevoked    = "forge.peer.revoked"

	// Sync lifecycle events for observability consumers (not required for
	// correctness of any invariant in this core). The Federation Sync
	// Engine does not publish them.
	SubjectSyncCompleted = "forge.federation.sync_completed"
	SubjectSyncFailed    = "forge.federation.sync_failed"

	// Session events.
	SubjectSessionRevoked = "forge.session.revoked"
)

// CapsuleEventData is the payload carried by capsule change events.
type CapsuleEventData struct {
	CapsuleID string   `json:"capsule_id"`
	ParentIDs []string `json:"parent_ids,omitempty"`
}

// Event is the envelope for all events published through NATS.
type Event struct {
	Type      string          `json:"t"`
	CapsuleID string          `json:"capsule_id,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	Data      json.RawMessage `json:"d"`
}

// Bus wraps a NATS connection and provides publish/subscribe methods for the
// Forge resilience core's internal event traffic.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
// It also initializes JetStream for persistent stream support.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("forge-core"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStreams creates the JetStream streams required by this core if they
// don't already exist. Call this during server startup.
func (b *Bus) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name: "FORGE_CAPSULE_EVENTS",
			Subjects: []string{
				"forge.capsule.>",
			},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      "FORGE_FEDERATION",
			Subjects:  []string{"forge.peer.>", "forge.federation.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := b.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			_, err := b.js.AddStream(&cfg)
			if err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		} else {
			b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
		}
	}

	return nil
}

// Publish sends an event to the specified NATS subject. The event data is JSON
// encoded before publishing.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	b.logger.Debug("event published",
		slog.String("subject", subject),
		slog.String("type", event.Type),
	)

	return nil
}

// PublishCapsuleEvent publishes a capsule/lineage change event. subject must
// be one of the SubjectCapsule* or SubjectLineageChanged constants.
func (b *Bus) PublishCapsuleEvent(ctx context.Context, subject, capsuleID string, parentIDs []string) error {
	raw, err := json.Marshal(CapsuleEventData{CapsuleID: capsuleID, ParentIDs: parentIDs})
	if err != nil {
		return fmt.Errorf("marshaling capsule event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{
		Type:      subject,
		CapsuleID: capsuleID,
		Data:      raw,
	})
}

// PublishPeerEvent publishes a peer lifecycle event.
func (b *Bus) PublishPeerEvent(ctx context.Context, subject, peerID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling peer event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{
		Type:   subject,
		PeerID: peerID,
		Data:   raw,
	})
}

// Subscribe creates a subscription to the specified NATS subject. The handler
// receives decoded Event objects. Returns a Subscription that can be used to
// unsubscribe.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed to subject", slog.String("subject", subject))
	return sub, nil
}

// SubscribeWildcard subscribes to all events matching a wildcard pattern.
// For example, "forge.capsule.>" matches all capsule events.
func (b *Bus) SubscribeWildcard(pattern string, handler func(string, Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(msg.Subject, event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	b.logger.Debug("subscribed to pattern", slog.String("pattern", pattern))
	return sub, nil
}

// QueueSubscribe creates a queue-group subscription for load-balanced message
// processing across multiple server instances.
func (b *Bus) QueueSubscribe(subject, queue string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribing to %s (queue: %s): %w", subject, queue, err)
	}

	b.logger.Debug("queue subscribed",
		slog.String("subject", subject),
		slog.String("queue", queue),
	)
	return sub, nil
}

// Conn returns the underlying NATS connection for advanced use cases.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// JetStream returns the JetStream context for stream operations.
func (b *Bus) JetStream() nats.JetStreamContext {
	return b.js
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}

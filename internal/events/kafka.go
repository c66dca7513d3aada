// Package events publishes guard state transitions to Kafka so other systems
// can react to lockouts without polling the guard API.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"rlguard/internal/guard"
	"rlguard/internal/models"

	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeBlocked = "guard.blocked"
	TypeReset   = "guard.reset"
)

// Event is the JSON payload of a published message.
type Event struct {
	Type         string     `json:"type"`
	Action       string     `json:"action"`
	IdentifierFP string     `json:"identifier_fp"`
	Identifier   string     `json:"identifier,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	At           time.Time  `json:"at"`
	InstanceID   string     `json:"instance_id,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements guard.Observer on top of an async kafka.Writer.
type KafkaPublisher struct {
	writer            messageWriter
	includeIdentifier bool
	instanceID        string
	now               func() time.Time
	logger            *slog.Logger
}

var _ guard.Observer = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for the configured brokers and topic.
// Writes are asynchronous; delivery failures are logged, never returned.
func NewKafkaPublisher(cfg models.EventsConfig, instanceID string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to publish guard events",
					"error", err,
					"message_count", len(messages))
			}
		},
	}

	logger.Info("Kafka event publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic)

	return newPublisher(writer, cfg.IncludeIdentifier, instanceID, logger)
}

func newPublisher(w messageWriter, includeIdentifier bool, instanceID string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:            w,
		includeIdentifier: includeIdentifier,
		instanceID:        instanceID,
		now:               time.Now,
		logger:            logger,
	}
}

// Blocked publishes a guard.blocked event.
func (p *KafkaPublisher) Blocked(ctx context.Context, identifier, action string, until time.Time) {
	ev := p.event(TypeBlocked, identifier, action)
	ev.BlockedUntil = &until
	p.publish(ctx, ev)
}

// Reset publishes a guard.reset event.
func (p *KafkaPublisher) Reset(ctx context.Context, identifier, action string) {
	p.publish(ctx, p.event(TypeReset, identifier, action))
}

func (p *KafkaPublisher) event(typ, identifier, action string) Event {
	ev := Event{
		Type:         typ,
		Action:       action,
		IdentifierFP: guard.Fingerprint(identifier),
		At:           p.now().UTC(),
		InstanceID:   p.instanceID,
	}
	if p.includeIdentifier {
		ev.Identifier = identifier
	}
	return ev
}

func (p *KafkaPublisher) publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode guard event", "type", ev.Type, "error", err)
		return
	}

	// Keyed by fingerprint so events for one pair stay on one partition.
	msg := kafka.Message{
		Key:   []byte(ev.IdentifierFP + "|" + ev.Action),
		Value: value,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.logger.Warn("Failed to queue guard event",
			"type", ev.Type,
			"action", ev.Action,
			"identifier_fp", ev.IdentifierFP,
			"error", err)
	}
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka event publisher", "error", err)
		return err
	}
	p.logger.Info("Kafka event publisher closed")
	return nil
}

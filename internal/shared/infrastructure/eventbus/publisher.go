// Package eventbus publishes domain events to a message broker.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// Publisher sends raw payloads to the event bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// Envelope is the JSON shape of every published event.
type Envelope struct {
	EventID       uuid.UUID            `json:"event_id"`
	AggregateID   uuid.UUID            `json:"aggregate_id"`
	AggregateType string               `json:"aggregate_type"`
	RoutingKey    string               `json:"routing_key"`
	OccurredAt    time.Time            `json:"occurred_at"`
	Metadata      domain.EventMetadata `json:"metadata"`
	Payload       json.RawMessage      `json:"payload"`
}

// MarshalEnvelope wraps event in an Envelope and encodes it. The event
// itself is marshaled as the payload. Events without metadata inherit the
// correlation and run IDs carried by ctx.
func MarshalEnvelope(ctx context.Context, event domain.DomainEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	env := Envelope{
		EventID:       event.EventID(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		RoutingKey:    event.RoutingKey(),
		OccurredAt:    event.OccurredAt(),
		Metadata:      MetadataFromContext(ctx, event),
		Payload:       body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// MetadataFromContext returns the metadata of event, filled from ctx when
// the event carries none.
func MetadataFromContext(ctx context.Context, event domain.DomainEvent) domain.EventMetadata {
	meta := event.Metadata()
	if !meta.IsZero() {
		return meta
	}
	meta.CorrelationID = observability.CorrelationIDFromContext(ctx)
	meta.RunID = observability.RunIDFromContext(ctx)
	if id, err := uuid.Parse(observability.UserIDFromContext(ctx)); err == nil {
		meta.UserID = id
	}
	return meta
}

// PublishEvent publishes the envelope of event under its routing key.
func PublishEvent(ctx context.Context, p Publisher, event domain.DomainEvent) error {
	data, err := MarshalEnvelope(ctx, event)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, event.RoutingKey(), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.RoutingKey(), err)
	}
	return nil
}

// NoopPublisher drops every message.
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher creates a publisher that does nothing.
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("noop publish", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }

// FanoutPublisher hands every message to each of its publishers in turn.
type FanoutPublisher struct {
	publishers []Publisher
}

// NewFanoutPublisher combines publishers. Nil entries are skipped.
func NewFanoutPublisher(publishers ...Publisher) *FanoutPublisher {
	f := &FanoutPublisher{}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Publish delivers to every publisher and joins their errors.
func (f *FanoutPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, routingKey, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (f *FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

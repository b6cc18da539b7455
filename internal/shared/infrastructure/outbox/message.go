package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
)

// Message represents an outbox message ready for publishing.
type Message struct {
	ID               int64
	EventID          uuid.UUID
	AggregateType    string
	AggregateID      uuid.UUID
	EventType        string
	RoutingKey       string
	Payload          json.RawMessage
	Metadata         json.RawMessage
	CreatedAt        time.Time
	PublishedAt      *time.Time
	NextRetryAt      *time.Time
	RetryCount       int
	LastError        *string
	DeadLetteredAt   *time.Time
	DeadLetterReason *string
}

// NewMessage creates an outbox message from a domain event. The payload is
// the same envelope PublishEvent would send.
func NewMessage(ctx context.Context, event domain.DomainEvent) (*Message, error) {
	payload, err := eventbus.MarshalEnvelope(ctx, event)
	if err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(eventbus.MetadataFromContext(ctx, event))
	if err != nil {
		return nil, err
	}

	return &Message{
		EventID:       event.EventID(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		EventType:     event.RoutingKey(),
		RoutingKey:    event.RoutingKey(),
		Payload:       payload,
		Metadata:      metadata,
		CreatedAt:     event.OccurredAt(),
	}, nil
}

// IsPublished reports whether the relay has delivered the message.
func (m *Message) IsPublished() bool {
	return m.PublishedAt != nil
}

// CanRetry reports whether a failure of the current attempt still leaves
// room for another one under maxAttempts.
func (m *Message) CanRetry(maxAttempts int) bool {
	return m.RetryCount+1 < maxAttempts
}

package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

type userSynced struct {
	domain.BaseEvent
	Created int `json:"created"`
}

func TestNewMessage(t *testing.T) {
	aggregateID := uuid.New()
	event := &userSynced{
		BaseEvent: domain.NewBaseEvent(aggregateID, "SyncUser", "calsync.sync.completed"),
		Created:   3,
	}
	meta := domain.EventMetadata{CorrelationID: uuid.NewString(), UserID: uuid.New()}
	event.SetMetadata(meta)

	msg, err := NewMessage(context.Background(), event)
	require.NoError(t, err)

	assert.Zero(t, msg.ID)
	assert.Equal(t, event.EventID(), msg.EventID)
	assert.Equal(t, "SyncUser", msg.AggregateType)
	assert.Equal(t, aggregateID, msg.AggregateID)
	assert.Equal(t, "calsync.sync.completed", msg.RoutingKey)
	assert.Equal(t, event.OccurredAt(), msg.CreatedAt)
	assert.False(t, msg.IsPublished())
	assert.Contains(t, string(msg.Metadata), meta.CorrelationID)

	var env eventbus.Envelope
	require.NoError(t, json.Unmarshal(msg.Payload, &env))
	assert.Equal(t, event.EventID(), env.EventID)
	assert.Equal(t, meta.UserID, env.Metadata.UserID)
	assert.JSONEq(t, `3`, string(mustField(t, env.Payload, "created")))
}

func TestNewMessage_MetadataFromContext(t *testing.T) {
	userID := uuid.New()
	ctx := observability.WithCorrelationID(context.Background(), "corr-7")
	ctx = observability.WithRunID(ctx, "run-3")
	ctx = observability.WithUserID(ctx, userID.String())

	event := &userSynced{BaseEvent: domain.NewBaseEvent(userID, "SyncUser", "calsync.sync.completed")}
	msg, err := NewMessage(ctx, event)
	require.NoError(t, err)

	var meta domain.EventMetadata
	require.NoError(t, json.Unmarshal(msg.Metadata, &meta))
	assert.Equal(t, domain.EventMetadata{CorrelationID: "corr-7", RunID: "run-3", UserID: userID}, meta)
}

func TestMessage_CanRetry(t *testing.T) {
	msg := &Message{RetryCount: 1}
	assert.True(t, msg.CanRetry(3))
	msg.RetryCount = 2
	assert.False(t, msg.CanRetry(3))
	assert.False(t, (&Message{}).CanRetry(0))
}

func mustField(t *testing.T, raw json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	return fields[name]
}

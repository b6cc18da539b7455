package application

import (
	"context"
	"log/slog"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// eventSource is an aggregate that records domain events.
type eventSource interface {
	DomainEvents() []sharedDomain.DomainEvent
	ClearDomainEvents()
}

// saveEventsToOutbox stores the pending events of agg in the outbox within
// the transaction carried by ctx. A nil repository drops them.
func saveEventsToOutbox(ctx context.Context, repo outbox.Writer, agg eventSource, logger *slog.Logger) error {
	events := agg.DomainEvents()
	if repo == nil || len(events) == 0 {
		agg.ClearDomainEvents()
		return nil
	}

	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(ctx, event)
		if err != nil {
			logger.Error("failed to create outbox message",
				slog.String("routing_key", event.RoutingKey()),
				slog.String("aggregate_id", event.AggregateID().String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		msgs = append(msgs, msg)
	}
	for _, msg := range msgs {
		if err := repo.Save(ctx, msg); err != nil {
			return err
		}
	}
	agg.ClearDomainEvents()
	return nil
}

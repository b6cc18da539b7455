package outbox

import (
	"context"
	"time"
)

// Writer stores messages. Callers save inside their unit of work so a
// message exists exactly when the state change it reports does.
type Writer interface {
	Save(ctx context.Context, msg *Message) error
	SaveBatch(ctx context.Context, msgs []*Message) error
}

// Repository is the store a Processor drains.
type Repository interface {
	Writer

	// GetUnpublished returns pending messages whose retry time has come,
	// oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)

	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt and when to try again.
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error

	// MarkDead parks a message that exhausted its retries.
	MarkDead(ctx context.Context, id int64, reason string) error

	// DeleteOld removes published messages older than the retention.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}

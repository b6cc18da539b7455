// Package persistence stores the calendar aggregates. Every repository runs
// the same SQL on SQLite and PostgreSQL through database.Connection; queries
// use ? placeholders, times are RFC3339 text and flags are 0/1 integers.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/shared/application"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// inTx runs fn in the transaction carried by ctx, or in a new one.
func inTx(ctx context.Context, conn database.Connection, fn func(ctx context.Context, exec database.Executor) error) error {
	return application.WithUnitOfWork(ctx, database.NewUnitOfWork(conn), func(txCtx context.Context) error {
		return fn(txCtx, database.ExecutorFromContext(txCtx, conn))
	})
}

// affected returns the rows affected by a result, treating an unsupported
// count as zero.
func affected(res database.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

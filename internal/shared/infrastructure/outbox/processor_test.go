package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	fail map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[routingKey]; err != nil {
		return err
	}
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func newRepository(t *testing.T) (*outbox.SQLRepository, database.Connection) {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: sqlite.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrations.Up(ctx, conn.(*sqlite.Connection).DB(), database.DriverSQLite))
	return outbox.NewSQLRepository(conn), conn
}

func store(t *testing.T, repo outbox.Repository, routingKey string) *outbox.Message {
	t.Helper()
	event := domain.NewBaseEvent(uuid.New(), "SyncUser", routingKey)
	msg, err := outbox.NewMessage(context.Background(), &event)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), msg))
	require.NotZero(t, msg.ID)
	return msg
}

func TestSQLRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepository(t)

	first := store(t, repo, "calsync.sync.completed")
	second := store(t, repo, "calsync.user.bound")

	due, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.EventID, due[0].EventID)
	assert.Equal(t, "SyncUser", due[0].AggregateType)
	assert.JSONEq(t, string(first.Payload), string(due[0].Payload))

	require.NoError(t, repo.MarkPublished(ctx, first.ID))
	require.NoError(t, repo.MarkFailed(ctx, second.ID, "broker down", time.Now().Add(time.Hour)))

	due, err = repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "published and backed-off messages are not due")

	failed, err := repo.GetFailed(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "broker down", *failed[0].LastError)

	require.NoError(t, repo.MarkDead(ctx, second.ID, "gave up"))
	failed, err = repo.GetFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	n, err := repo.DeleteOld(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only published messages are pruned")
}

func TestSQLRepository_SaveJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	repo, conn := newRepository(t)
	uow := database.NewUnitOfWork(conn)
	store(t, repo, "calsync.sync.completed")

	txCtx, err := uow.Begin(ctx)
	require.NoError(t, err)
	event := domain.NewBaseEvent(uuid.New(), "SyncUser", "calsync.sync.failed")
	msg, err := outbox.NewMessage(ctx, &event)
	require.NoError(t, err)
	require.NoError(t, repo.Save(txCtx, msg))
	require.NoError(t, uow.Rollback(txCtx))

	due, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "calsync.sync.completed", due[0].RoutingKey)
}

func TestProcessor_ProcessOnce(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepository(t)
	pub := &recordingPublisher{fail: map[string]error{"calsync.sync.failed": errors.New("publish failed")}}
	processor := outbox.NewProcessor(repo, pub, outbox.ProcessorConfig{
		BatchSize:        10,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  time.Millisecond,
	}, nil)

	store(t, repo, "calsync.sync.completed")
	failing := store(t, repo, "calsync.sync.failed")

	require.NoError(t, processor.ProcessOnce(ctx))
	assert.Equal(t, []string{"calsync.sync.completed"}, pub.published())
	stats := processor.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, "publish failed", stats.LastError)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, processor.ProcessOnce(ctx))
	assert.Equal(t, uint64(1), processor.Stats().Dead, "second failure reaches MaxRetries")

	due, err := repo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	failed, err := repo.GetFailed(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, failed, "message %d is dead-lettered", failing.ID)
}

func TestProcessor_RunStopsWithContext(t *testing.T) {
	repo, _ := newRepository(t)
	pub := &recordingPublisher{}
	processor := outbox.NewProcessor(repo, pub, outbox.ProcessorConfig{PollInterval: 5 * time.Millisecond}, nil)
	store(t, repo, "calsync.sync.completed")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProcessor_Prune(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepository(t)
	processor := outbox.NewProcessor(repo, &recordingPublisher{}, outbox.ProcessorConfig{RetentionDays: 0}, nil)

	n, err := processor.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retention disabled")
}

// Package workers schedules the recurring jobs of the sync engine.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// Default schedules.
const (
	DefaultSyncSchedule      = "*/15 * * * *"
	DefaultRetentionSchedule = "@daily"
	DefaultRetentionDays     = 30
)

// Runner runs one synchronization of every enabled user.
type Runner interface {
	RunAll(ctx context.Context) (*domain.SyncLog, []*reconcile.UserSummary, error)
}

// Pruner deletes data older than a retention period.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// SyncWorkerConfig configures the sync worker.
type SyncWorkerConfig struct {
	Schedule          string
	RetentionSchedule string
	RetentionDays     int
	// RunTimeout bounds one scheduled run. Zero means no bound.
	RunTimeout time.Duration
	RunOnStart bool
}

// DefaultSyncWorkerConfig returns the default configuration.
func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		Schedule:          DefaultSyncSchedule,
		RetentionSchedule: DefaultRetentionSchedule,
		RetentionDays:     DefaultRetentionDays,
		RunTimeout:        30 * time.Minute,
	}
}

// SyncWorker runs scheduled synchronizations and retention cleanup.
// Overlapping runs are skipped.
type SyncWorker struct {
	runner  Runner
	logs    domain.SyncLogRepository
	pruners []Pruner
	config  SyncWorkerConfig
	metrics observability.Metrics
	logger  *slog.Logger
	running atomic.Bool
	now     func() time.Time
}

// NewSyncWorker creates a new sync worker. Extra pruners, such as the
// outbox processor, run on the retention schedule too.
func NewSyncWorker(
	runner Runner,
	logs domain.SyncLogRepository,
	config SyncWorkerConfig,
	metrics observability.Metrics,
	logger *slog.Logger,
	pruners ...Pruner,
) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSyncSchedule
	}
	if config.RetentionSchedule == "" {
		config.RetentionSchedule = DefaultRetentionSchedule
	}
	return &SyncWorker{
		runner:  runner,
		logs:    logs,
		pruners: pruners,
		config:  config,
		metrics: metrics,
		logger:  logger.With("component", "sync_worker"),
		now:     time.Now,
	}
}

// Run schedules the jobs and blocks until ctx is cancelled. Jobs still
// running at that point are waited for.
func (w *SyncWorker) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.config.Schedule, func() { _ = w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", w.config.Schedule, err)
	}
	if _, err := c.AddFunc(w.config.RetentionSchedule, func() { w.Prune(ctx) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", w.config.RetentionSchedule, err)
	}

	w.logger.Info("sync worker started",
		"schedule", w.config.Schedule,
		"retention_schedule", w.config.RetentionSchedule,
		"retention_days", w.config.RetentionDays,
	)
	if w.config.RunOnStart {
		go func() { _ = w.RunOnce(ctx) }()
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info("sync worker stopped")
	return ctx.Err()
}

// ErrRunning is returned by RunOnce while a previous run is in progress.
var ErrRunning = errors.New("sync run already in progress")

// RunOnce synchronizes every enabled user now.
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("previous sync run still in progress, skipping")
		return ErrRunning
	}
	defer w.running.Store(false)

	ctx = observability.WithCorrelationID(ctx, "")
	if w.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.RunTimeout)
		defer cancel()
	}

	timer := observability.StartTimer("sync_run").WithLogger(w.logger).WithMetrics(w.metrics)
	run, summaries, err := w.runner.RunAll(ctx)
	timer.Stop(err)
	if err != nil {
		w.logger.ErrorContext(ctx, "sync run aborted", "error", err)
		return err
	}

	state := observability.T("state", string(run.State()))
	w.metrics.Counter(observability.MetricSyncRuns, 1, state)
	w.metrics.Counter(observability.MetricSyncUserPasses, int64(len(summaries)))
	w.metrics.Counter(observability.MetricSyncUserErrors, int64(run.Failures()))
	w.metrics.Counter(observability.MetricSyncConflicts, int64(run.Conflicts()))
	w.logger.InfoContext(ctx, "sync run finished",
		observability.RunIDKey, run.ID(),
		"state", run.State(),
		"users", run.Users(),
		"failures", run.Failures(),
		"local_total", run.Local().Total(),
		"remote_total", run.Remote().Total(),
		"conflicts", run.Conflicts(),
	)
	return nil
}

// Prune purges sync logs older than the retention period and runs the
// extra pruners.
func (w *SyncWorker) Prune(ctx context.Context) {
	if w.config.RetentionDays > 0 && w.logs != nil {
		cutoff := w.now().AddDate(0, 0, -w.config.RetentionDays)
		n, err := w.logs.PurgeBefore(ctx, cutoff)
		if err != nil {
			w.logger.Error("failed to purge sync logs", "error", err)
		} else if n > 0 {
			w.logger.Info("purged sync logs", "runs", n, "before", cutoff.Format(time.RFC3339))
		}
	}
	for _, p := range w.pruners {
		if n, err := p.Prune(ctx); err != nil {
			w.logger.Error("failed to prune", "error", err)
		} else if n > 0 {
			w.logger.Info("pruned published messages", "count", n)
		}
	}
}

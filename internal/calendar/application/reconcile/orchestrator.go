// Package reconcile runs bidirectional synchronization passes between the
// local event store and each user's CalDAV account.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/identity"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/shared/application"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// Repositories are the stores a pass reads and writes.
type Repositories struct {
	Events    domain.EventRepository
	Series    domain.RecurrenceSeriesRepository
	SyncUsers domain.SyncUserRepository
	Calendars domain.CalendarMappingRepository
	States    domain.SyncStateRepository
	Logs      domain.SyncLogRepository
}

// Config tunes the orchestrator.
type Config struct {
	// DefaultWinner settles conflicts the timestamps cannot.
	DefaultWinner domain.Side
	// Parallelism bounds how many users are synchronized at once.
	Parallelism int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repos     Repositories
	UoW       application.UnitOfWork
	Remotes   RemoteFactory
	Resolver  *identity.Resolver
	Manager   *recurrence.Manager
	Locker    lock.Locker
	Publisher eventbus.Publisher
	// Outbox, when set, stores completion events in the same transaction
	// as the sync state instead of publishing them directly.
	Outbox outbox.Writer
	Logger *slog.Logger
}

// UserSummary is the outcome of one user pass.
type UserSummary struct {
	SyncUserID uuid.UUID
	UserID     uuid.UUID
	Local      domain.SideCounts
	Remote     domain.SideCounts
	Conflicts  int
	Results    []Result
	Lines      []domain.SyncLogLine
	Duration   time.Duration
	Err        error

	digest string
}

// Orchestrator drives sync runs: every enabled user in parallel, each
// user's pass strictly sequential.
type Orchestrator struct {
	repos      Repositories
	uow        application.UnitOfWork
	remotes    RemoteFactory
	resolver   *identity.Resolver
	comparator *Comparator
	local      *LocalApplier
	remote     *RemoteApplier
	locker     lock.Locker
	publisher  eventbus.Publisher
	outbox     outbox.Writer
	logger     *slog.Logger
	config     Config
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	if config.DefaultWinner == "" {
		config.DefaultWinner = domain.SideLocal
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher(logger)
	}
	stores := Stores{Events: deps.Repos.Events, Series: deps.Repos.Series}
	return &Orchestrator{
		repos:      deps.Repos,
		uow:        deps.UoW,
		remotes:    deps.Remotes,
		resolver:   deps.Resolver,
		comparator: NewComparator(deps.Manager, config.DefaultWinner),
		local:      NewLocalApplier(stores, deps.UoW, deps.Manager),
		remote:     NewRemoteApplier(stores, deps.UoW, deps.Manager),
		locker:     locker,
		publisher:  publisher,
		outbox:     deps.Outbox,
		logger:     logger,
		config:     config,
	}
}

// RunAll synchronizes every enabled user. Users run in parallel up to the
// configured limit. A user whose pass fails does not stop the others; a
// sync log that cannot be written aborts the run.
func (o *Orchestrator) RunAll(ctx context.Context) (*domain.SyncLog, []*UserSummary, error) {
	run := domain.NewSyncLog()
	if err := o.repos.Logs.Save(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to open sync log: %w", err)
	}

	bindings, err := o.repos.SyncUsers.FindEnabled(ctx)
	if err != nil {
		return run, nil, o.abort(ctx, run, fmt.Errorf("failed to load sync users: %w", err))
	}
	run.Begin()
	if err := o.repos.Logs.Save(ctx, run); err != nil {
		return run, nil, fmt.Errorf("failed to update sync log: %w", err)
	}
	o.logger.Info("sync run started", "run_id", run.ID(), "users", len(bindings))

	summaries := make([]*UserSummary, len(bindings))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for i, binding := range bindings {
		g.Go(func() error {
			s := o.runUser(gctx, run.ID(), binding)
			summaries[i] = s
			if errors.Is(s.Err, domain.ErrSyncInProgress) {
				return nil
			}
			mu.Lock()
			run.RecordUser(s.Local, s.Remote, s.Conflicts, s.Err != nil)
			mu.Unlock()
			if err := o.repos.Logs.AddLines(gctx, s.Lines); err != nil {
				return fmt.Errorf("failed to write sync log lines: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return run, summaries, o.abort(ctx, run, err)
	}

	run.Finish()
	if err := o.repos.Logs.Save(ctx, run); err != nil {
		return run, summaries, fmt.Errorf("failed to close sync log: %w", err)
	}
	o.logger.Info("sync run finished",
		"run_id", run.ID(),
		"state", run.State(),
		"local", run.Local(),
		"remote", run.Remote(),
		"conflicts", run.Conflicts(),
		"duration", run.Duration(),
	)
	return run, summaries, nil
}

// RunUser synchronizes one user outside a scheduled run. It returns
// domain.ErrSyncInProgress when a pass for the user is already running.
func (o *Orchestrator) RunUser(ctx context.Context, userID uuid.UUID) (*UserSummary, error) {
	binding, err := o.repos.SyncUsers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync user: %w", err)
	}
	if binding == nil {
		return nil, domain.ErrSyncUserNotFound
	}

	run := domain.NewSyncLog()
	run.Begin()
	if err := o.repos.Logs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open sync log: %w", err)
	}
	s := o.runUser(ctx, run.ID(), binding)
	if errors.Is(s.Err, domain.ErrSyncInProgress) {
		return s, o.abort(ctx, run, s.Err)
	}
	run.RecordUser(s.Local, s.Remote, s.Conflicts, s.Err != nil)
	if err := o.repos.Logs.AddLines(ctx, s.Lines); err != nil {
		return s, o.abort(ctx, run, fmt.Errorf("failed to write sync log lines: %w", err))
	}
	run.Finish()
	if err := o.repos.Logs.Save(ctx, run); err != nil {
		return s, fmt.Errorf("failed to close sync log: %w", err)
	}
	return s, s.Err
}

// RefreshCalendars lists the calendars of a user's account and mirrors
// them into the calendar mappings.
func (o *Orchestrator) RefreshCalendars(ctx context.Context, userID uuid.UUID) ([]*domain.CalendarMapping, error) {
	binding, err := o.repos.SyncUsers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync user: %w", err)
	}
	if binding == nil {
		return nil, domain.ErrSyncUserNotFound
	}
	store, err := o.remotes(binding)
	if err != nil {
		return nil, err
	}
	calendars, err := store.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	return MirrorCalendars(ctx, o.repos.Calendars, binding.UserID(), calendars, binding.DefaultCalendarURL())
}

func (o *Orchestrator) abort(ctx context.Context, run *domain.SyncLog, cause error) error {
	run.Abort(cause)
	if err := o.repos.Logs.Save(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to record aborted sync run", "run_id", run.ID(), "error", err)
	}
	return cause
}

// LockKey is the re-entry guard key of a user's passes.
func LockKey(userID uuid.UUID) string {
	return "calsync:sync:" + userID.String()
}

func (o *Orchestrator) runUser(ctx context.Context, runID uuid.UUID, binding *domain.SyncUser) *UserSummary {
	started := time.Now()
	s := &UserSummary{SyncUserID: binding.ID(), UserID: binding.UserID()}

	release, err := o.locker.TryLock(ctx, LockKey(binding.UserID()))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			s.Err = domain.ErrSyncInProgress
			o.logger.Warn("sync pass skipped, another pass is running", "user_id", binding.UserID())
		} else {
			s.Err = fmt.Errorf("failed to acquire sync lock: %w", err)
			o.logger.Error("sync pass skipped", "user_id", binding.UserID(), "error", err)
		}
		return s
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("failed to release sync lock", "user_id", binding.UserID(), "error", err)
		}
	}()

	pc := &PassContext{
		RunID:      runID,
		Binding:    binding,
		UserID:     binding.UserID(),
		Since:      binding.SyncSince(),
		Identities: o.resolver.Session(),
		Logger:     o.logger.With("run_id", runID),
	}
	if err := o.pass(ctx, pc, s); err != nil {
		s.Err = err
		severity := domain.SeverityError
		if domain.IsConnectionError(err) {
			severity = domain.SeverityCritical
		}
		pc.Log(domain.LogOpError, severity, "", "pass aborted: %v", err)
	}
	s.Conflicts = pc.Conflicts
	s.Duration = time.Since(started)
	s.Lines = pc.Lines()

	o.recordState(ctx, runID, s)
	return s
}

// pass runs the fetch, compare, local apply, remote apply sequence.
func (o *Orchestrator) pass(ctx context.Context, pc *PassContext, s *UserSummary) error {
	address, err := pc.Identities.UserAddress(ctx, pc.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve user address: %w", err)
	}
	pc.Address = address

	store, err := o.remotes(pc.Binding)
	if err != nil {
		return err
	}
	pc.Log(domain.LogOpLogin, domain.SeverityInfo, "", "connecting to %s as %s", pc.Binding.ServerURL(), pc.Binding.Login())
	calendars, err := store.ListCalendars(ctx)
	if err != nil {
		return err
	}
	mappings, err := MirrorCalendars(ctx, o.repos.Calendars, pc.UserID, calendars, pc.Binding.DefaultCalendarURL())
	if err != nil {
		return err
	}
	pc.Calendars = NewCalendarIndex(mappings, pc.Binding.DefaultCalendarURL())

	remote, err := o.fetchRemote(ctx, pc, store)
	if err != nil {
		return err
	}
	local, err := o.loadLocal(ctx, pc)
	if err != nil {
		return err
	}

	plan := o.comparator.Compare(pc, local, remote)
	localOps, remoteOps := plan.Local(), plan.Remote()
	pc.Log(domain.LogOpRead, domain.SeverityDebug, "", "planned %d local and %d remote operations", len(localOps), len(remoteOps))

	results := o.local.Apply(ctx, pc, localOps)
	results = append(results, o.remote.Apply(ctx, pc, store, remoteOps)...)
	s.Results = results
	s.Local, s.Remote = Tally(results)
	s.digest = remote.Digest()

	pc.Log(domain.LogOpWrite, domain.SeverityInfo, "",
		"local: %d created, %d updated, %d deleted, %d failed; remote: %d created, %d updated, %d deleted, %d failed",
		s.Local.Created, s.Local.Updated, s.Local.Deleted, s.Local.Failed,
		s.Remote.Created, s.Remote.Updated, s.Remote.Deleted, s.Remote.Failed)
	return nil
}

func (o *Orchestrator) fetchRemote(ctx context.Context, pc *PassContext, store RemoteStore) (*RemoteSet, error) {
	var objects []*caldav.RemoteObject
	urls := pc.Calendars.Fetchable()
	for _, url := range urls {
		objs, decodeErrs, err := store.FetchObjects(ctx, url, pc.Since)
		if err != nil {
			return nil, err
		}
		for _, derr := range decodeErrs {
			uid := ""
			var de *domain.DecodeError
			if errors.As(derr, &de) {
				uid = de.UID
			}
			pc.Log(domain.LogOpRead, domain.SeverityWarning, uid, "skipped undecodable object: %v", derr)
		}
		objects = append(objects, objs...)
	}

	set, dupes := NewRemoteSet(objects)
	for _, d := range dupes {
		pc.Log(domain.LogOpRead, domain.SeverityWarning, d.UID, "uid is also stored in %s, copy in %s ignored",
			set.Object(d.UID).CalendarURL, d.CalendarURL)
	}
	pc.Log(domain.LogOpRead, domain.SeverityDebug, "", "fetched %d objects from %d calendars", len(objects), len(urls))
	return set, nil
}

// loadLocal gathers the user's events and the full arenas of every series
// they touch, including series only reachable through a detached override.
func (o *Orchestrator) loadLocal(ctx context.Context, pc *PassContext) (*LocalSet, error) {
	events, err := o.repos.Events.FindForUser(ctx, pc.UserID, pc.Since)
	if err != nil {
		return nil, fmt.Errorf("failed to load local events: %w", err)
	}

	loaded := make(map[uuid.UUID]bool)
	var arenas []*recurrence.Arena
	load := func(series *domain.RecurrenceSeries) error {
		if loaded[series.ID()] {
			return nil
		}
		occurrences, err := o.repos.Events.FindBySeries(ctx, series.ID())
		if err != nil {
			return fmt.Errorf("failed to load occurrences of series %s: %w", series.ID(), err)
		}
		loaded[series.ID()] = true
		arenas = append(arenas, recurrence.NewArena(series, occurrences))
		return nil
	}

	seriesUIDs := make(map[string]bool)
	for _, e := range events {
		if !e.InSeries() || loaded[e.SeriesID()] {
			continue
		}
		series, err := o.repos.Series.FindByID(ctx, e.SeriesID())
		if err != nil {
			return nil, fmt.Errorf("failed to load series %s: %w", e.SeriesID(), err)
		}
		if series == nil {
			pc.Log(domain.LogOpRead, domain.SeverityWarning, e.RemoteUID(), "occurrence %s refers to a missing series", e.ID())
			continue
		}
		if err := load(series); err != nil {
			return nil, err
		}
		seriesUIDs[series.RemoteUID()] = true
	}
	for _, e := range events {
		if e.InSeries() || e.RecurrenceID() == "" || seriesUIDs[e.RemoteUID()] {
			continue
		}
		seriesUIDs[e.RemoteUID()] = true
		series, err := o.repos.Series.FindByRemoteUID(ctx, e.RemoteUID())
		if err != nil {
			return nil, fmt.Errorf("failed to load series %s: %w", e.RemoteUID(), err)
		}
		if series == nil {
			continue
		}
		if err := load(series); err != nil {
			return nil, err
		}
	}

	sort.Slice(arenas, func(i, j int) bool { return arenas[i].Series.DTStart().Before(arenas[j].Series.DTStart()) })
	return NewLocalSet(events, arenas), nil
}

// recordState saves the user's sync state and announces the pass. With an
// outbox both writes share one transaction.
func (o *Orchestrator) recordState(ctx context.Context, runID uuid.UUID, s *UserSummary) {
	ctx = context.WithoutCancel(ctx)
	errMsg := ""
	if s.Err != nil {
		errMsg = s.Err.Error()
	}
	event := domain.NewSyncCompletedEvent(s.SyncUserID, s.UserID, runID, s.Local, s.Remote, s.Conflicts, s.Duration, errMsg)

	err := application.WithUnitOfWork(ctx, o.uow, func(txCtx context.Context) error {
		state, err := o.repos.States.FindByUser(txCtx, s.UserID)
		if err != nil {
			return fmt.Errorf("load sync state: %w", err)
		}
		if state == nil {
			state = domain.NewSyncState(s.UserID)
		}
		if s.Err != nil {
			state.MarkSyncFailure(runID, errMsg)
		} else {
			state.MarkSyncSuccess(runID, s.digest)
		}
		if err := o.repos.States.Save(txCtx, state); err != nil {
			return fmt.Errorf("save sync state: %w", err)
		}
		if o.outbox == nil {
			return nil
		}
		msg, err := outbox.NewMessage(ctx, &event)
		if err != nil {
			return err
		}
		return o.outbox.Save(txCtx, msg)
	})
	if err != nil {
		o.logger.Error("failed to record sync state", "user_id", s.UserID, "error", err)
		return
	}
	if o.outbox != nil {
		return
	}
	if err := eventbus.PublishEvent(ctx, o.publisher, &event); err != nil {
		o.logger.Warn("failed to publish sync completion", "user_id", s.UserID, "error", err)
	}
}

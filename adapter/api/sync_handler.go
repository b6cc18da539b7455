package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// UserSyncer runs one user pass.
type UserSyncer interface {
	RunUser(ctx context.Context, userID uuid.UUID) (*reconcile.UserSummary, error)
}

// RunLister lists recent sync runs.
type RunLister interface {
	FindRecent(ctx context.Context, limit int) ([]*domain.SyncLog, error)
}

// SyncHandler handles the sync endpoints.
type SyncHandler struct {
	syncer UserSyncer
	runs   RunLister
	health *observability.HealthRegistry
	logger *slog.Logger
}

// NewSyncHandler creates a new sync handler. health may be nil.
func NewSyncHandler(syncer UserSyncer, runs RunLister, health *observability.HealthRegistry, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = observability.NewHealthRegistry()
	}
	return &SyncHandler{syncer: syncer, runs: runs, health: health, logger: logger}
}

// Live handles GET /healthz.
func (h *SyncHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(observability.HealthStatusHealthy),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /readyz. Degraded optional dependencies still count
// as ready.
func (h *SyncHandler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := h.health.GetOverallHealth(r.Context())
	status := http.StatusOK
	if overall.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}

type sideResponse struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

type summaryResponse struct {
	UserID     uuid.UUID    `json:"user_id"`
	Local      sideResponse `json:"local"`
	Remote     sideResponse `json:"remote"`
	Conflicts  int          `json:"conflicts"`
	Skipped    int          `json:"skipped"`
	DurationMS int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

func toSide(c domain.SideCounts) sideResponse {
	return sideResponse{Created: c.Created, Updated: c.Updated, Deleted: c.Deleted, Failed: c.Failed}
}

func toSummary(s *reconcile.UserSummary) summaryResponse {
	resp := summaryResponse{
		UserID:     s.UserID,
		Local:      toSide(s.Local),
		Remote:     toSide(s.Remote),
		Conflicts:  s.Conflicts,
		DurationMS: s.Duration.Milliseconds(),
	}
	for _, res := range s.Results {
		if res.Status == reconcile.Skipped {
			resp.Skipped++
		}
	}
	if s.Err != nil {
		resp.Error = s.Err.Error()
	}
	return resp
}

// RunUser handles POST /sync/{userID}.
func (h *SyncHandler) RunUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}
	ctx := observability.WithUserID(r.Context(), userID.String())

	summary, err := h.syncer.RunUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrSyncUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no sync account for user")
	case errors.Is(err, domain.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", "a pass for this user is already running")
	case domain.IsConnectionError(err) && summary != nil:
		writeJSON(w, http.StatusBadGateway, toSummary(summary))
	case err != nil && summary != nil && summary.Err != nil:
		writeJSON(w, http.StatusInternalServerError, toSummary(summary))
	case err != nil:
		h.logger.ErrorContext(ctx, "manual sync failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sync failed")
	default:
		writeJSON(w, http.StatusOK, toSummary(summary))
	}
}

type runResponse struct {
	ID         uuid.UUID           `json:"id"`
	State      domain.SyncLogState `json:"state"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Users      int                 `json:"users"`
	Failures   int                 `json:"failures"`
	Conflicts  int                 `json:"conflicts"`
	Local      sideResponse        `json:"local"`
	Remote     sideResponse        `json:"remote"`
	Message    string              `json:"message,omitempty"`
}

// ListRuns handles GET /sync/runs?limit=N.
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.runs.FindRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list sync runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		item := runResponse{
			ID:        run.ID(),
			State:     run.State(),
			StartedAt: run.StartedAt(),
			Users:     run.Users(),
			Failures:  run.Failures(),
			Conflicts: run.Conflicts(),
			Local:     toSide(run.Local()),
			Remote:    toSide(run.Remote()),
			Message:   run.Message(),
		}
		if finished := run.FinishedAt(); !finished.IsZero() {
			item.FinishedAt = &finished
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": resp})
}

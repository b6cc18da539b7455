package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

type stubSyncer struct {
	summary *reconcile.UserSummary
	err     error
	got     uuid.UUID
	corrID  string
}

func (s *stubSyncer) RunUser(ctx context.Context, userID uuid.UUID) (*reconcile.UserSummary, error) {
	s.got = userID
	s.corrID = observability.CorrelationIDFromContext(ctx)
	return s.summary, s.err
}

type stubRuns struct {
	runs  []*domain.SyncLog
	err   error
	limit int
}

func (s *stubRuns) FindRecent(_ context.Context, limit int) ([]*domain.SyncLog, error) {
	s.limit = limit
	return s.runs, s.err
}

func serve(t *testing.T, h *SyncHandler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestSyncHandler_RunUser(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name       string
		summary    *reconcile.UserSummary
		err        error
		target     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "success",
			summary:    &reconcile.UserSummary{UserID: userID, Local: domain.SideCounts{Created: 2}, Results: []reconcile.Result{{Status: reconcile.Skipped}}},
			wantStatus: http.StatusOK,
		},
		{name: "unknown user", err: domain.ErrSyncUserNotFound, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "pass running", summary: &reconcile.UserSummary{UserID: userID}, err: domain.ErrSyncInProgress, wantStatus: http.StatusConflict, wantCode: "sync_in_progress"},
		{
			name:       "server unreachable",
			summary:    &reconcile.UserSummary{UserID: userID, Err: &domain.ConnectionError{Code: domain.ConnCodeConnection, Server: "dav.example.com"}},
			err:        &domain.ConnectionError{Code: domain.ConnCodeConnection, Server: "dav.example.com"},
			wantStatus: http.StatusBadGateway,
		},
		{name: "store failure", err: errors.New("failed to open sync log"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
		{name: "bad id", target: "/sync/not-a-uuid", wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &stubSyncer{summary: tt.summary, err: tt.err}
			target := tt.target
			if target == "" {
				target = "/sync/" + userID.String()
			}
			rec := serve(t, NewSyncHandler(syncer, &stubRuns{}, nil, nil), http.MethodPost, target)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantCode != "" {
				var body APIError
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantCode, body.Code)
				return
			}
			var body summaryResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, userID, body.UserID)
			assert.Equal(t, userID, syncer.got)
			assert.NotEmpty(t, syncer.corrID, "request id becomes the correlation id")
			if tt.name == "success" {
				assert.Equal(t, 2, body.Local.Created)
				assert.Equal(t, 1, body.Skipped)
			} else {
				assert.Contains(t, body.Error, "dav.example.com")
			}
		})
	}
}

func TestSyncHandler_ListRuns(t *testing.T) {
	run := domain.NewSyncLog()
	run.Begin()
	run.RecordUser(domain.SideCounts{Created: 1}, domain.SideCounts{}, 0, false)
	run.Finish()
	open := domain.NewSyncLog()
	open.Begin()

	runs := &stubRuns{runs: []*domain.SyncLog{open, run}}
	h := NewSyncHandler(&stubSyncer{}, runs, nil, nil)

	rec := serve(t, h, http.MethodGet, "/sync/runs?limit=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRunLimit, runs.limit)

	var body struct {
		Runs []runResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, domain.SyncLogInProgress, body.Runs[0].State)
	assert.Nil(t, body.Runs[0].FinishedAt)
	assert.Equal(t, domain.SyncLogSuccess, body.Runs[1].State)
	assert.NotNil(t, body.Runs[1].FinishedAt)
	assert.Equal(t, 1, body.Runs[1].Local.Created)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/sync/runs?limit=zero").Code)

	runs.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, serve(t, h, http.MethodGet, "/sync/runs").Code)
}

func TestSyncHandler_Health(t *testing.T) {
	health := observability.NewHealthRegistry()
	h := NewSyncHandler(&stubSyncer{}, &stubRuns{}, health, nil)

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz").Code)

	health.Register("redis", observability.OptionalHealthChecker("redis", func(context.Context) error {
		return errors.New("connection refused")
	}))
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/readyz").Code, "optional dependencies only degrade")

	health.Register("database", observability.PingHealthChecker("database", func(context.Context) error {
		return errors.New("connection refused")
	}))
	rec := serve(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body observability.OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, observability.HealthStatusUnhealthy, body.Checks["database"].Status)
}

func TestServer_RunStopsWithContext(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, NewSyncHandler(&stubSyncer{}, &stubRuns{}, nil, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONWithContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "debug",
		Format:         LogFormatJSON,
		Output:         &buf,
		ServiceName:    "calsync",
		ServiceVersion: "1.2.3",
	})

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRunID(ctx, "run-7")
	ctx = WithUserID(ctx, "alice")
	logger.InfoContext(ctx, "user pass finished", "created", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "calsync", rec["service"])
	assert.Equal(t, "1.2.3", rec["version"])
	assert.Equal(t, "corr-1", rec[CorrelationIDKey])
	assert.Equal(t, "run-7", rec[RunIDKey])
	assert.Equal(t, "alice", rec[UserIDKey])
	assert.Equal(t, float64(2), rec["created"])
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestWithCorrelationID_Generates(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	assert.NotEmpty(t, CorrelationIDFromContext(ctx))
	assert.Empty(t, RunIDFromContext(context.Background()))
}

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()
	m.Counter(MetricSyncApplied, 2, T("side", "local"))
	m.Counter(MetricSyncApplied, 1, T("side", "local"))
	m.Gauge(MetricBreakerState, 1)
	m.Timing(MetricSyncDuration, time.Second)

	assert.Equal(t, int64(3), m.GetCounter(MetricSyncApplied, T("side", "local")))
	assert.Zero(t, m.GetCounter(MetricSyncApplied, T("side", "remote")))
	assert.Equal(t, float64(1), m.GetGauge(MetricBreakerState))
	assert.Len(t, m.GetTimings(MetricSyncDuration), 1)

	snap := m.Snapshot()
	assert.Equal(t, float64(3), snap["calsync.sync.applied:side=local"])
}

func TestTimer_StopCountsErrors(t *testing.T) {
	m := NewInMemoryMetrics()
	StartTimer("fetch").WithMetrics(m).Stop(nil)
	StartTimer("fetch").WithMetrics(m).Stop(errors.New("timeout"))

	assert.Equal(t, int64(2), m.GetCounter(MetricOperationTotal, T("operation", "fetch")))
	assert.Equal(t, int64(1), m.GetCounter(MetricOperationErrors, T("operation", "fetch")))
}

func TestHealthRegistry(t *testing.T) {
	r := NewHealthRegistry()
	r.Register("database", PingHealthChecker("database", func(context.Context) error { return nil }))
	assert.Equal(t, HealthStatusHealthy, r.GetOverallHealth(context.Background()).Status)

	r.Register("redis", OptionalHealthChecker("redis", func(context.Context) error { return errors.New("refused") }))
	h := r.GetOverallHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.Contains(t, h.Checks["redis"].Message, "refused")

	r.Register("database", PingHealthChecker("database", func(context.Context) error { return errors.New("closed") }))
	assert.Equal(t, HealthStatusUnhealthy, r.GetOverallHealth(context.Background()).Status)
}

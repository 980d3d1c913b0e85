package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/util/diskguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedUsage(pct float64) diskguard.StatFunc {
	return func(string) (diskguard.Usage, error) {
		return diskguard.Usage{
			TotalBytes:     1000,
			AvailableBytes: uint64(1000 - pct*10),
			UsagePercent:   pct,
			CheckedAt:      time.Now(),
		}, nil
	}
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	return report
}

func TestReadinessReflectsBackend(t *testing.T) {
	backend := store.NewMemoryStore("riptide", "node-1", zap.NewNop())
	checker := NewChecker(Config{NodeID: "node-1"}, zap.NewNop())
	checker.Register(PingCheck("backend", backend.Ping))

	rec := httptest.NewRecorder()
	checker.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, NodeHealthy, report.Status)
	assert.Equal(t, StatusHealthy, report.Checks["backend"].Status)

	require.NoError(t, backend.Close())
	checker.Run(context.Background())

	rec = httptest.NewRecorder()
	checker.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report = decodeReport(t, rec)
	assert.Equal(t, NodeUnhealthy, report.Status)
	assert.Equal(t, StatusCritical, report.Checks["backend"].Status)
	assert.Contains(t, report.Checks["backend"].Message, "ping failed")
}

func TestLivenessIgnoresChecks(t *testing.T) {
	checker := NewChecker(Config{NodeID: "node-1"}, zap.NewNop())
	checker.Register(PingCheck("backend", func(context.Context) error { return errors.New("down") }))
	checker.Run(context.Background())

	rec := httptest.NewRecorder()
	checker.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, NodeHealthy, decodeReport(t, rec).Status)
	assert.False(t, checker.Ready())
}

func TestDiskCheckThresholds(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{50, StatusHealthy},
		{85, StatusWarning},
		{96, StatusCritical},
	}
	for _, tt := range tests {
		guard := diskguard.New(diskguard.Config{Dir: "/data", Stat: fixedUsage(tt.pct)}, zap.NewNop())
		result := DiskCheck("checkpoint_disk", guard, 80, 95)(context.Background())
		assert.Equal(t, tt.want, result.Status, "usage %.0f%%", tt.pct)
		assert.Equal(t, "checkpoint_disk", result.Name)
	}
}

func TestDiskCheckWithoutSample(t *testing.T) {
	failing := func(string) (diskguard.Usage, error) { return diskguard.Usage{}, errors.New("statfs") }
	guard := diskguard.New(diskguard.Config{Dir: "/data", Stat: failing}, zap.NewNop())

	result := DiskCheck("spill_disk", guard, 80, 95)(context.Background())
	assert.Equal(t, StatusWarning, result.Status)
}

func TestWarningDegradesButStaysReady(t *testing.T) {
	checker := NewChecker(Config{NodeID: "node-1"}, zap.NewNop())
	checker.Register(MemoryCheck(func() (int64, int64) { return 95, 100 }, 0.9))
	checker.Run(context.Background())

	report := checker.Report()
	assert.Equal(t, NodeDegraded, report.Status)
	assert.True(t, checker.Ready())
	assert.Equal(t, StatusWarning, report.Checks["session_memory"].Status)
}

func TestMemoryCheckDisabledLimit(t *testing.T) {
	result := MemoryCheck(func() (int64, int64) { return 1 << 30, 0 }, 0.9)(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "spillover disabled")
}

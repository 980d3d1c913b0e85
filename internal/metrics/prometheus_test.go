package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.CacheHitsTotal.Inc()
	m.TenantQuotaViolationsTotal.WithLabelValues("t1", "cache_bytes").Inc()
	m.CheckpointsCreatedTotal.WithLabelValues("manual").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckpointsCreatedTotal.WithLabelValues("manual")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "riptide_cache_hits_total")
	assert.Contains(t, names, "riptide_tenant_quota_violations_total")
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}

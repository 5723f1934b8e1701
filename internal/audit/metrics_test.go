package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	m.ObserveMigration("applied", "forward", 120*time.Millisecond)
	m.ObserveMigration("applied", "forward", 80*time.Millisecond)
	m.ObserveMigration("conflict", "forward", 0)
	m.ObserveIssue("completeness", "critical")
	m.ObserveSnapshot("completed", 4096)
	m.ObserveSnapshot("failed", 0)
	m.ObserveRemediation("tenant-consistency")

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Migrations.WithLabelValues("applied")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Migrations.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Issues.WithLabelValues("completeness", "critical")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Snapshots.WithLabelValues("failed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Remediations.WithLabelValues("tenant-consistency")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.MigrationDuration))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveMigration("applied", "forward", time.Second)

	path := filepath.Join(t.TempDir(), "tenantmig.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tenantmig_migrations_total{outcome="applied"} 1`)
	assert.Contains(t, string(data), "tenantmig_migration_duration_seconds")
}

func TestMetrics_NilRecordsNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMigration("applied", "forward", time.Second)
		m.ObserveIssue("completeness", "warning")
		m.ObserveSnapshot("completed", 1)
		m.ObserveRemediation("completeness")
	})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

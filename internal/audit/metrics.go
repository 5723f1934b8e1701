package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-run prometheus collectors. Each process run owns a
// private registry; the CLI exports it as a node-exporter textfile.
//
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Migrations        *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	Issues            *prometheus.CounterVec
	Snapshots         *prometheus.CounterVec
	SnapshotBytes     prometheus.Histogram
	Remediations      *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantmig",
			Name:      "migrations_total",
			Help:      "Migration runs by outcome.",
		}, []string{"outcome"}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenantmig",
			Name:      "migration_duration_seconds",
			Help:      "Duration of forward and reverse procedures.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		Issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantmig",
			Name:      "validation_issues_total",
			Help:      "Validation issues by category and severity.",
		}, []string{"category", "severity"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantmig",
			Name:      "snapshots_total",
			Help:      "Backup snapshots by final status.",
		}, []string{"status"}),
		SnapshotBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tenantmig",
			Name:      "snapshot_bytes",
			Help:      "Size of completed snapshot payloads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		Remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantmig",
			Name:      "remediations_total",
			Help:      "Remediations applied by category.",
		}, []string{"category"}),
	}
	reg.MustRegister(m.Migrations, m.MigrationDuration, m.Issues, m.Snapshots, m.SnapshotBytes, m.Remediations)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveMigration counts a run outcome and, for executed procedures,
// its duration.
func (m *Metrics) ObserveMigration(outcome, direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.Migrations.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.MigrationDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// ObserveIssue counts one validation issue.
func (m *Metrics) ObserveIssue(category, severity string) {
	if m == nil {
		return
	}
	m.Issues.WithLabelValues(category, severity).Inc()
}

// ObserveSnapshot counts a snapshot and records the size of completed ones.
func (m *Metrics) ObserveSnapshot(status string, bytes int64) {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues(status).Inc()
	if bytes > 0 {
		m.SnapshotBytes.Observe(float64(bytes))
	}
}

// ObserveRemediation counts one applied remediation.
func (m *Metrics) ObserveRemediation(category string) {
	if m == nil {
		return
	}
	m.Remediations.WithLabelValues(category).Inc()
}

// WriteTextfile writes the registry in the text exposition format, for the
// node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

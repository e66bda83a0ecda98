package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "installer_phase_duration_seconds",
			Help:    "Time taken by each orchestrator phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	InstallationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "installer_installations_total",
			Help: "Total number of installation runs by outcome",
		},
		[]string{"outcome"},
	)

	// Migration metrics
	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "installer_migration_duration_seconds",
			Help:    "Time taken to apply a single migration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"migration"},
	)

	MigrationsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "installer_migrations_applied_total",
			Help: "Total number of migrations applied across all runs",
		},
	)

	// Deployment metrics
	DeployedFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "installer_deployed_files_total",
			Help: "Total number of files deployed across all runs",
		},
	)

	DeployedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "installer_deployed_bytes_total",
			Help: "Total number of bytes deployed across all runs",
		},
	)

	// Archive metrics
	ArchiveExportBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "installer_archive_export_bytes",
			Help: "Size in bytes of the most recent archive export, by month",
		},
		[]string{"month"},
	)

	ArchiveExportRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "installer_archive_export_rows",
			Help: "Row count of the most recent archive export, by month",
		},
		[]string{"month"},
	)

	ArchiveRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "installer_archive_runs_total",
			Help: "Total number of archive pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// License metrics
	LicenseStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "installer_license_status",
			Help: "Current license status (1 = active for this status label, 0 otherwise)",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(InstallationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(MigrationsAppliedTotal)
	prometheus.MustRegister(DeployedFilesTotal)
	prometheus.MustRegister(DeployedBytesTotal)
	prometheus.MustRegister(ArchiveExportBytes)
	prometheus.MustRegister(ArchiveExportRows)
	prometheus.MustRegister(ArchiveRunsTotal)
	prometheus.MustRegister(LicenseStatus)
}

// Handler returns the Prometheus HTTP handler, served by the installer's
// optional diagnostics endpoint during a long-running archive/service mode.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the Prometheus collectors for the backup engine. All
// methods are safe for concurrent use and nil-tolerant at the call
// sites, so wiring metrics stays optional.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal    *prometheus.CounterVec
	restoresTotal   *prometheus.CounterVec
	bytesCopied     *prometheus.CounterVec
	backupDuration  prometheus.Histogram
	restoreDuration prometheus.Histogram
	validBackups    prometheus.Gauge
	corruptBackups  prometheus.Gauge
}

// New creates and registers the collectors under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		backupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup attempts by result.",
		}, []string{"result"}),
		restoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restore attempts by result.",
		}, []string{"result"}),
		bytesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_copied_total",
			Help:      "Payload bytes copied by direction.",
		}, []string{"direction"}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Wall time of completed backup operations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		restoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Wall time of completed restore operations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		validBackups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valid_backups",
			Help:      "Number of valid backups in the backup directory.",
		}),
		corruptBackups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "corrupt_backups",
			Help:      "Number of quarantined corrupt backups.",
		}),
	}
	registry.MustRegister(
		m.backupsTotal,
		m.restoresTotal,
		m.bytesCopied,
		m.backupDuration,
		m.restoreDuration,
		m.validBackups,
		m.corruptBackups,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// BackupFinished records one backup attempt.
func (m *Metrics) BackupFinished(success bool, duration time.Duration, bytes uint64) {
	m.backupsTotal.WithLabelValues(result(success)).Inc()
	if success {
		m.backupDuration.Observe(duration.Seconds())
		m.bytesCopied.WithLabelValues("backup").Add(float64(bytes))
	}
}

// RestoreFinished records one restore attempt.
func (m *Metrics) RestoreFinished(success bool, duration time.Duration, bytes uint64) {
	m.restoresTotal.WithLabelValues(result(success)).Inc()
	if success {
		m.restoreDuration.Observe(duration.Seconds())
		m.bytesCopied.WithLabelValues("restore").Add(float64(bytes))
	}
}

// SetBackupCounts publishes the current backup-set sizes.
func (m *Metrics) SetBackupCounts(valid, corrupt int) {
	m.validBackups.Set(float64(valid))
	m.corruptBackups.Set(float64(corrupt))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

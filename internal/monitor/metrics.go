package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics holds the Prometheus instruments refreshed on every sync tick.
type metrics struct {
	registry *prometheus.Registry

	clusterJobs     *prometheus.GaugeVec
	snapshotRows    prometheus.Gauge
	activeSnapshots prometheus.Gauge
	syncRuns        *prometheus.CounterVec
	lastSyncUnix    prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		clusterJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flinkctl_cluster_jobs",
			Help: "Jobs the cluster reports, by state.",
		}, []string{"state"}),
		snapshotRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flinkctl_snapshot_rows",
			Help: "Total rows in the local snapshot history.",
		}),
		activeSnapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flinkctl_active_snapshots",
			Help: "Snapshot rows currently marked in progress.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flinkctl_sync_runs_total",
			Help: "Reconciliation passes, by result.",
		}, []string{"result"}),
		lastSyncUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flinkctl_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful reconciliation pass.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.clusterJobs,
		m.snapshotRows,
		m.activeSnapshots,
		m.syncRuns,
		m.lastSyncUnix,
	)
	return m
}

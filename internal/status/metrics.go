package status

import (
	"github.com/dmitrijs2005/fishkeeper/internal/reachability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes status snapshots as Prometheus gauges.
type Metrics struct {
	QueueLength        prometheus.Gauge
	PermanentFailures  prometheus.Gauge
	LastSyncTimestamp  prometheus.Gauge
	Online             prometheus.Gauge
	Reachability       *prometheus.GaugeVec
	Stuck              prometheus.Gauge
	MigrationRunning   prometheus.Gauge
	MigrationProcessed *prometheus.GaugeVec
	MigrationUpdated   *prometheus.GaugeVec
	RepairsTotal       prometheus.Counter
}

// NewMetrics registers the status metrics with reg. Constant labels can be
// added by wrapping reg with prometheus.WrapRegistererWith.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_sync_queue_length",
			Help: "Entries waiting in the sync queue",
		}),
		PermanentFailures: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_sync_permanent_failures",
			Help: "Queue entries the remote store rejected",
		}),
		LastSyncTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last delivered queue entry",
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_network_online",
			Help: "1 when the device reports network connectivity",
		}),
		Reachability: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fishkeeper_remote_reachability",
			Help: "1 for the current remote reachability state",
		}, []string{"state"}),
		Stuck: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_sync_stuck",
			Help: "1 while the queue is online, non-empty and not shrinking",
		}),
		MigrationRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "fishkeeper_migration_running",
			Help: "1 while the encryption migration worker runs",
		}),
		MigrationProcessed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fishkeeper_migration_processed_documents",
			Help: "Documents scanned by the encryption migration",
		}, []string{"collection"}),
		MigrationUpdated: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fishkeeper_migration_updated_documents",
			Help: "Documents rewritten with encrypted fields",
		}, []string{"collection"}),
		RepairsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fishkeeper_sync_repairs_total",
			Help: "Repairs triggered by stuck detection",
		}),
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Observe copies s into the gauges.
func (m *Metrics) Observe(s Snapshot) {
	m.QueueLength.Set(float64(s.QueueLength))
	m.PermanentFailures.Set(float64(s.PermanentFailures))
	if !s.LastSyncAt.IsZero() {
		m.LastSyncTimestamp.Set(float64(s.LastSyncAt.Unix()))
	}
	m.Online.Set(boolGauge(s.Online))
	for _, st := range []reachability.State{reachability.Unknown, reachability.Reachable, reachability.Unreachable} {
		m.Reachability.WithLabelValues(st.String()).Set(boolGauge(st == s.Reachability))
	}
	m.Stuck.Set(boolGauge(s.Stuck))
	m.MigrationRunning.Set(boolGauge(s.Migration.Running))
	for c, p := range s.Migration.Collections {
		m.MigrationProcessed.WithLabelValues(string(c)).Set(float64(p.Processed))
		m.MigrationUpdated.WithLabelValues(string(c)).Set(float64(p.Updated))
	}
}

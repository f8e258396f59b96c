package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the coordinator exposes plus the
// prometheus.Registry they are registered against.
type Registry struct {
	reg *prometheus.Registry

	LocksAcquired   *prometheus.CounterVec
	RecoveryEntries *prometheus.CounterVec
	CheckpointMark  *prometheus.GaugeVec
	ShardUp         *prometheus.GaugeVec
	WriteDuration   prometheus.Histogram
}

// New builds a Registry with every metric registered against a fresh,
// private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		LocksAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txncoord_locks_acquired_total",
			Help: "Distributed lock acquisitions, partitioned by outcome.",
		}, []string{"outcome"}),
		RecoveryEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txncoord_recovery_entries_total",
			Help: "Recovery log entries processed, partitioned by terminal status.",
		}, []string{"status"}),
		CheckpointMark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txncoord_checkpoint_watermark",
			Help: "Last processed recovery log id per shard.",
		}, []string{"shard"}),
		ShardUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txncoord_shard_up",
			Help: "1 if the shard's last liveness probe succeeded, 0 otherwise.",
		}, []string{"shard"}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txncoord_write_duration_seconds",
			Help:    "Wall-clock latency of Pipeline.Begin through Commit, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.LocksAcquired, r.RecoveryEntries, r.CheckpointMark, r.ShardUp, r.WriteDuration)
	return r
}

// Handler returns the http.Handler that serves this registry's metrics in
// the Prometheus exposition format, meant to be mounted at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

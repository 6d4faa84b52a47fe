package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-sharder/core/metrics"
	"github.com/codewandler/clstr-sharder/core/sharding"
)

// shardingMetrics implements sharding.Metrics using Prometheus.
type shardingMetrics struct {
	spawnDuration prometheus.Histogram
	spawnsTotal   *prometheus.CounterVec
	clustersReady prometheus.Gauge
	exitsTotal    *prometheus.CounterVec
	restartsTotal *prometheus.CounterVec
	shardCount    prometheus.Gauge
	shardEvents   *prometheus.CounterVec
}

// NewShardingMetrics creates a new Prometheus implementation of sharding.Metrics.
func NewShardingMetrics(reg prometheus.Registerer) sharding.Metrics {
	m := &shardingMetrics{
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharder_spawn_duration_seconds",
			Help:    "Time from launching a worker until it is ready or gave up",
			Buckets: spawnBuckets,
		}),

		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharder_spawns_total",
			Help: "Total number of worker spawns by outcome",
		}, []string{"outcome"}),

		clustersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sharder_clusters_ready",
			Help: "Number of clusters whose worker is ready",
		}),

		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharder_worker_exits_total",
			Help: "Total number of unexpected worker exits",
		}, []string{"respawn"}),

		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharder_restarts_total",
			Help: "Total number of requested cluster restarts",
		}, []string{"success"}),

		shardCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sharder_shard_count",
			Help: "Total number of shards managed",
		}),

		shardEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharder_shard_events_total",
			Help: "Shard lifecycle events relayed by workers",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.spawnDuration,
		m.spawnsTotal,
		m.clustersReady,
		m.exitsTotal,
		m.restartsTotal,
		m.shardCount,
		m.shardEvents,
	)

	return m
}

func (m *shardingMetrics) SpawnDuration() metrics.Timer {
	return newTimer(m.spawnDuration)
}

func (m *shardingMetrics) SpawnCompleted(outcome string) {
	m.spawnsTotal.WithLabelValues(outcome).Inc()
}

func (m *shardingMetrics) ClustersReady(count int) {
	m.clustersReady.Set(float64(count))
}

func (m *shardingMetrics) WorkerExited(respawn bool) {
	m.exitsTotal.WithLabelValues(boolToStr(respawn)).Inc()
}

func (m *shardingMetrics) RestartCompleted(success bool) {
	m.restartsTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *shardingMetrics) ShardCount(count int) {
	m.shardCount.Set(float64(count))
}

func (m *shardingMetrics) ShardEvent(kind string) {
	m.shardEvents.WithLabelValues(kind).Inc()
}

var _ sharding.Metrics = (*shardingMetrics)(nil)

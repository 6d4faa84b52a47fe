// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the orchestrator (sharding) and the IPC endpoints (ipc).
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-sharder/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// Spawns wait for a whole gateway login, so they get wider buckets.
var spawnBuckets = []float64{
	.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics holds the Prometheus implementations for the orchestrator.
type AllMetrics struct {
	Sharding *shardingMetrics
	IPC      *ipcMetrics
}

// NewAllMetrics registers every metric on reg.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Sharding: NewShardingMetrics(reg).(*shardingMetrics),
		IPC:      NewIPCMetrics(reg, "master").(*ipcMetrics),
	}
}

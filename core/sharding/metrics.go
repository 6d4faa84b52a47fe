package sharding

import "github.com/codewandler/clstr-sharder/core/metrics"

// Spawn outcomes reported to Metrics.SpawnCompleted.
const (
	OutcomeReady    = "ready"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// Metrics defines the metrics interface of the orchestrator.
// All methods are thread-safe.
type Metrics interface {
	// Spawns
	SpawnDuration() metrics.Timer
	SpawnCompleted(outcome string)
	ClustersReady(count int)

	// Lifecycle
	WorkerExited(respawn bool)
	RestartCompleted(success bool)

	// Shards
	ShardCount(count int)
	ShardEvent(kind string)
}

// nopMetrics is a no-op implementation of Metrics.
type nopMetrics struct{}

func (nopMetrics) SpawnDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SpawnCompleted(string)        {}
func (nopMetrics) ClustersReady(int)            {}
func (nopMetrics) WorkerExited(bool)            {}
func (nopMetrics) RestartCompleted(bool)        {}
func (nopMetrics) ShardCount(int)               {}
func (nopMetrics) ShardEvent(string)            {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }

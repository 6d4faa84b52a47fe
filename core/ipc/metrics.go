package ipc

import "github.com/codewandler/clstr-sharder/core/metrics"

// Metrics instruments both IPC endpoints. All methods are thread-safe.
type Metrics interface {
	// Outbound receptive sends, by op code name.
	RequestDuration(op string) metrics.Timer
	RequestCompleted(op string, success bool)

	// Inbound requests served by a dispatch table.
	HandlerCompleted(op string, success bool)

	// Scatter-gather evaluations started by the master.
	BroadcastCompleted(peers int, success bool)

	// Number of workers currently connected to the master.
	PeersConnected(count int)
}

type nopMetrics struct{}

func (nopMetrics) RequestDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) RequestCompleted(string, bool)        {}
func (nopMetrics) HandlerCompleted(string, bool)        {}
func (nopMetrics) BroadcastCompleted(int, bool)         {}
func (nopMetrics) PeersConnected(int)                   {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

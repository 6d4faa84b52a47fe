package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/metrics"
)

// ipcMetrics implements ipc.Metrics using Prometheus.
type ipcMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	handlersTotal   *prometheus.CounterVec
	broadcastsTotal *prometheus.CounterVec
	broadcastPeers  prometheus.Histogram
	peersConnected  prometheus.Gauge
}

// NewIPCMetrics creates a new Prometheus implementation of ipc.Metrics.
// side ("master" or "cluster") is attached as a constant label.
func NewIPCMetrics(reg prometheus.Registerer, side string) ipc.Metrics {
	labels := prometheus.Labels{"side": side}
	m := &ipcMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sharder_ipc_request_duration_seconds",
			Help:        "IPC request latency in seconds",
			Buckets:     defaultBuckets,
			ConstLabels: labels,
		}, []string{"op"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sharder_ipc_requests_total",
			Help:        "Total number of IPC requests sent",
			ConstLabels: labels,
		}, []string{"op", "success"}),

		handlersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sharder_ipc_handlers_total",
			Help:        "Total number of inbound IPC messages handled",
			ConstLabels: labels,
		}, []string{"op", "success"}),

		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sharder_ipc_broadcasts_total",
			Help:        "Total number of broadcast evaluations",
			ConstLabels: labels,
		}, []string{"success"}),

		broadcastPeers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "sharder_ipc_broadcast_peers",
			Help:        "Number of workers reached by a broadcast",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
			ConstLabels: labels,
		}),

		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sharder_ipc_peers_connected",
			Help:        "Number of connected IPC peers",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.handlersTotal,
		m.broadcastsTotal,
		m.broadcastPeers,
		m.peersConnected,
	)

	return m
}

func (m *ipcMetrics) RequestDuration(op string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(op))
}

func (m *ipcMetrics) RequestCompleted(op string, success bool) {
	m.requestsTotal.WithLabelValues(op, boolToStr(success)).Inc()
}

func (m *ipcMetrics) HandlerCompleted(op string, success bool) {
	m.handlersTotal.WithLabelValues(op, boolToStr(success)).Inc()
}

func (m *ipcMetrics) BroadcastCompleted(peers int, success bool) {
	m.broadcastsTotal.WithLabelValues(boolToStr(success)).Inc()
	m.broadcastPeers.Observe(float64(peers))
}

func (m *ipcMetrics) PeersConnected(count int) {
	m.peersConnected.Set(float64(count))
}

var _ ipc.Metrics = (*ipcMetrics)(nil)

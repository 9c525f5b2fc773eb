package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "lanchat"

// Metrics groups the server's Prometheus collectors.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	OnlineUsers      prometheus.Gauge
	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Pushes           *prometheus.CounterVec
	PushFailures     prometheus.Counter
	DroppedFrames    prometheus.Counter
	ExpiredSessions  prometheus.Counter
	ExpiredTyping    prometheus.Counter
}

// NewMetrics registers the collectors with reg. Each server gets its own
// registry so tests can run several servers in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "Number of open client connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Number of authenticated users with a live connection",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests processed by type and outcome",
		}, []string{"type", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time to process each request type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pushes_total",
			Help:      "Server-initiated frames delivered by type",
		}, []string{"type"}),
		PushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_failures_total",
			Help:      "Pushes that failed and closed the receiving connection",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Malformed or oversized regions discarded by the frame decoder",
		}),
		ExpiredSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_sessions_total",
			Help:      "Sessions removed by the periodic sweep",
		}),
		ExpiredTyping: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_typing_total",
			Help:      "Typing entries removed by the periodic sweep",
		}),
	}
}

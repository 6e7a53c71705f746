package gruenbeck

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gruenbeck_api_requests_total",
			Help: "API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gruenbeck_api_retries_total",
			Help: "Retried API requests by endpoint",
		},
		[]string{"endpoint"},
	)
	realtimeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gruenbeck_realtime_messages_total",
			Help: "Realtime channel messages by type",
		},
		[]string{"type"},
	)
	realtimeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gruenbeck_realtime_connected",
			Help: "Realtime channel state (1=connected)",
		},
	)
)

// MetricsCollectors returns collectors for the client module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		requestsTotal,
		retriesTotal,
		realtimeMessages,
		realtimeConnected,
	}
}

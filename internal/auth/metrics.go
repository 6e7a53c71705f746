package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	loginSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gruenbeck_auth_login_success_total",
			Help: "Successful full credential logins",
		},
	)
	loginFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gruenbeck_auth_login_failure_total",
			Help: "Failed full credential logins",
		},
	)
	refreshSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gruenbeck_auth_refresh_success_total",
			Help: "Successful token refreshes",
		},
	)
	refreshFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gruenbeck_auth_refresh_failure_total",
			Help: "Failed token refreshes",
		},
	)
	tokenValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gruenbeck_auth_token_valid",
			Help: "Access token validity (1=valid, 0=invalid)",
		},
	)
	remotePersistOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gruenbeck_auth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
	)
)

// MetricsCollectors returns collectors for the auth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginSuccess,
		loginFailure,
		refreshSuccess,
		refreshFailure,
		tokenValid,
		remotePersistOK,
	}
}

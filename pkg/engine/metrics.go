package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionUtilization tracks the session window consumption percent.
	SessionUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotawatch_session_utilization_percent",
			Help: "Current session window utilization percent",
		},
	)

	// WeeklyUtilization tracks the weekly window consumption percent.
	// Only set for accounts that have a weekly window.
	WeeklyUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotawatch_weekly_utilization_percent",
			Help: "Current weekly window utilization percent",
		},
	)

	// ConsecutiveErrors tracks the running transient-failure count.
	ConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotawatch_consecutive_errors",
			Help: "Consecutive transient poll failures since the last success",
		},
	)

	// PollsTotal counts fetch cycles by outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotawatch_polls_total",
			Help: "Total fetch cycles by outcome",
		},
		[]string{"outcome"},
	)

	// AuthRecoveriesTotal counts successful silent re-authentications.
	AuthRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotawatch_auth_recoveries_total",
			Help: "Total successful silent re-authentications",
		},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(SessionUtilization)
	prometheus.MustRegister(WeeklyUtilization)
	prometheus.MustRegister(ConsecutiveErrors)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(AuthRecoveriesTotal)
}

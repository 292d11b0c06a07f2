package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks inbound HTTP handler latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "duskgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method", "route", "status"},
)

// KeyDispatchTotal counts key-scheduler dispatch outcomes.
var KeyDispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "duskgate",
		Subsystem: "keys",
		Name:      "dispatch_total",
		Help:      "Total number of next_key() calls by outcome.",
	},
	[]string{"outcome"}, // "dispensed" | "none_available"
)

// KeyFailureTotal counts key failures by classified kind.
var KeyFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "duskgate",
		Subsystem: "keys",
		Name:      "failure_total",
		Help:      "Total number of mark_fail() calls by error kind.",
	},
	[]string{"kind", "cooled_down"},
)

// KeyCoolDownSeconds observes the cooldown duration applied on each entry into cooldown.
var KeyCoolDownSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "duskgate",
		Subsystem: "keys",
		Name:      "cool_down_seconds",
		Help:      "Cooldown duration applied when a key enters cooldown.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	},
)

// KeysByState reports the current count of keys in each scheduler state.
var KeysByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "duskgate",
		Subsystem: "keys",
		Name:      "by_state",
		Help:      "Current number of upstream keys in each state.",
	},
	[]string{"state"}, // "available" | "in_use" | "cooling"
)

// RetryAttemptsTotal counts orchestrator attempts by final outcome.
var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "duskgate",
		Subsystem: "orchestrator",
		Name:      "attempts_total",
		Help:      "Total number of retry-orchestrator attempts by outcome.",
	},
	[]string{"outcome"}, // "success" | "fail" | "no_key" | "timeout"
)

// All returns all duskgate-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		KeyDispatchTotal,
		KeyFailureTotal,
		KeyCoolDownSeconds,
		KeysByState,
		RetryAttemptsTotal,
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pickup_ops"

var (
	PickupTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pickup_transitions_total", Help: "Pickup state machine operations by action and outcome"},
		[]string{"action", "outcome"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers at last aggregation"})
	DriversBusy   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_busy", Help: "Number of busy drivers at last aggregation"})
	ActiveRoutes  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_routes", Help: "Number of in-progress pickups at last aggregation"})

	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_recorded_total", Help: "Activity events recorded by action"},
		[]string{"action"},
	)
	EventAppendFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "event_append_failures_total", Help: "Activity events that could not be written to the log"})

	LiveSessions       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_sessions", Help: "Currently subscribed live channel sessions"})
	LiveEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "live_evictions_total", Help: "Sessions closed for exceeding the pending event limit"})

	SettingsUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settings_updates_total", Help: "Settings update attempts by outcome"},
		[]string{"outcome"},
	)
	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payouts_total", Help: "Payouts attempted for collected pickups by outcome"},
		[]string{"outcome"},
	)
	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_errors_total", Help: "Activity events that failed to reach Kafka"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

var (
	// RequestsTotal operator API requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration operator API latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// PollsTotal device polls by outcome (ok, recovered, failed, cooldown, synthetic)
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Total number of device polls by outcome",
		},
		[]string{"outcome"},
	)

	// ConsecutiveFailures current failure streak
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_consecutive_failures",
			Help:      "Consecutive failed device fetches",
		},
	)

	// FallbackActive 1 while snapshots come from the synthetic source
	FallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "Whether the last poll returned synthetic data",
		},
	)

	// TotalPower controller-wide draw
	TotalPower = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_power_watts",
			Help:      "Total power reported by the controller",
		},
	)

	// SocketPower per-socket draw
	SocketPower = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_power_watts",
			Help:      "Power drawn by a single socket",
		},
		[]string{"socket"},
	)

	// PredictedPeak highest value of the current forecast
	PredictedPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "predicted_peak_watts",
			Help:      "Highest predicted power over the forecast horizon",
		},
	)

	// AlertsRaised alerts created by the policy engine
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"category", "severity"},
	)

	// ActiveAlerts alerts currently held
	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Number of alerts not yet cleared",
		},
	)

	// Actuations control operations by result
	Actuations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuations_total",
			Help:      "Total number of control operations",
		},
		[]string{"operation", "status"},
	)

	// CycleLatency duration of one poll-forecast-evaluate cycle
	CycleLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_latency_seconds",
			Help:      "Pipeline cycle latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// RedisOperations store operations
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	// StreamClients connected websocket clients
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Number of connected websocket clients",
		},
	)

	// MQTTMessages published MQTT messages
	MQTTMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "Total number of MQTT publish attempts",
		},
		[]string{"topic", "status"},
	)
)

// Result label value for an error
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

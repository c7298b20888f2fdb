package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	busDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "bus",
			Name:      "handler_calls_total",
			Help:      "Handler invocations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	busDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spine",
			Subsystem: "bus",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to run every handler of one dispatch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	busQueryTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "bus",
			Name:      "query_timeouts_total",
			Help:      "Local queries abandoned after the query timeout.",
		},
	)
	meshConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spine",
			Subsystem: "mesh",
			Name:      "connections",
			Help:      "Live authenticated connections by role.",
		},
		[]string{"role"},
	)
	meshMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "mesh",
			Name:      "messages_total",
			Help:      "Wire messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
	meshProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spine",
			Subsystem: "mesh",
			Name:      "protocol_errors_total",
			Help:      "Malformed or unexpected wire messages and failed handshakes.",
		},
		[]string{"reason"},
	)
	meshRemoteQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spine",
			Subsystem: "mesh",
			Name:      "remote_query_duration_seconds",
			Help:      "Round trip of a proxied query.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			busDispatches,
			busDispatchDuration,
			busQueryTimeouts,
			meshConnections,
			meshMessages,
			meshProtocolErrors,
			meshRemoteQueryDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHandlerCall counts one handler invocation. outcome is ok, error or panic.
func RecordHandlerCall(kind, outcome string) {
	RegisterMetrics()
	busDispatches.WithLabelValues(kind, outcome).Inc()
}

func RecordDispatch(kind string, duration time.Duration) {
	RegisterMetrics()
	busDispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordQueryTimeout() {
	RegisterMetrics()
	busQueryTimeouts.Inc()
}

func AddConnection(role string, delta int) {
	RegisterMetrics()
	meshConnections.WithLabelValues(role).Add(float64(delta))
}

func RecordMessage(direction, messageType string) {
	RegisterMetrics()
	meshMessages.WithLabelValues(direction, messageType).Inc()
}

func RecordProtocolError(reason string) {
	RegisterMetrics()
	meshProtocolErrors.WithLabelValues(reason).Inc()
}

func RecordRemoteQuery(outcome string, duration time.Duration) {
	RegisterMetrics()
	meshRemoteQueryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

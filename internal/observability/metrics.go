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
			Namespace: "durable",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "durable",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	actorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "durable",
			Subsystem: "actor",
			Name:      "events_total",
			Help:      "Events executed by actor instances.",
		},
		[]string{"kind", "outcome"},
	)
	actorEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "durable",
			Subsystem: "actor",
			Name:      "event_duration_seconds",
			Help:      "Actor event handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	actorInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "durable",
			Subsystem: "actor",
			Name:      "instances",
			Help:      "Live actor instances in this process.",
		},
	)
	actorLifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "durable",
			Subsystem: "actor",
			Name:      "lifecycle_total",
			Help:      "Actor instance constructions, failures and evictions.",
		},
		[]string{"transition"},
	)
	alarmsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "durable",
			Subsystem: "alarm",
			Name:      "fired_total",
			Help:      "Alarm handler invocations.",
		},
		[]string{"outcome"},
	)
	backgroundFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "durable",
			Subsystem: "actor",
			Name:      "background_failures_total",
			Help:      "waitUntil tasks that returned an error or panicked.",
		},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "durable",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC envelope calls.",
		},
		[]string{"direction", "method", "success"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "durable",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction", "method", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			actorEvents, actorEventDuration, actorInstances, actorLifecycle,
			alarmsFired, backgroundFailures,
			rpcCalls, rpcDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordActorEvent(kind string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	actorEvents.WithLabelValues(kind, outcome).Inc()
	actorEventDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordInstance tracks an instance lifecycle transition. "constructed"
// raises the live gauge and "closed" lowers it.
func RecordInstance(transition string) {
	RegisterMetrics()
	actorLifecycle.WithLabelValues(transition).Inc()
	switch transition {
	case "constructed":
		actorInstances.Inc()
	case "closed":
		actorInstances.Dec()
	}
}

func RecordAlarm(err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	alarmsFired.WithLabelValues(outcome).Inc()
}

func RecordBackgroundFailure() {
	RegisterMetrics()
	backgroundFailures.Inc()
}

func RecordRPC(direction, method string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	rpcCalls.WithLabelValues(direction, method, successLabel).Inc()
	rpcDuration.WithLabelValues(direction, method, successLabel).Observe(duration.Seconds())
}

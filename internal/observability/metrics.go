// Package observability holds the gateway's prometheus collectors and gin
// middleware.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stripcol"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	pluginFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "plugin_frames_total",
			Help:      "Frames received from plugins by message type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	broadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_events_total",
			Help:      "Events enqueued to subscribers by event name.",
		},
		[]string{"event"},
	)
	prunedSubscribers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers_pruned_total",
			Help:      "Subscribers disconnected because their queue overflowed or closed.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "commands_total",
			Help:      "Commands submitted for plugins by action and result.",
		},
		[]string{"action", "result"},
	)
	syncRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sync_requests_total",
			Help:      "Resync requests sent to plugins.",
		},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Sessions currently held by the registry.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Open subscriber streams.",
		},
	)
	presencePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "publishes_total",
			Help:      "Presence publish calls by outcome.",
		},
		[]string{"outcome"},
	)
	electionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "state",
			Help:      "1 for the election state this process is in.",
		},
		[]string{"state"},
	)
)

// RegisterMetrics registers every collector with the default registry. Safe
// to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			pluginFrames, broadcastEvents, prunedSubscribers, commands, syncRequests,
			sessions, subscribers,
			presencePublishes, electionState,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPluginFrame(typ, outcome string) {
	RegisterMetrics()
	pluginFrames.WithLabelValues(typ, outcome).Inc()
}

func RecordBroadcast(event string, pruned int) {
	RegisterMetrics()
	broadcastEvents.WithLabelValues(event).Inc()
	if pruned > 0 {
		prunedSubscribers.Add(float64(pruned))
	}
}

// RecordCommand counts a submitted command. Unknown action names share one
// label value to keep cardinality bounded.
func RecordCommand(action string, known bool, result string) {
	RegisterMetrics()
	if !known {
		action = "other"
	}
	commands.WithLabelValues(action, result).Inc()
}

func RecordSyncRequest() {
	RegisterMetrics()
	syncRequests.Inc()
}

func SetSessions(n int) {
	RegisterMetrics()
	sessions.Set(float64(n))
}

func SubscriberOpened() {
	RegisterMetrics()
	subscribers.Inc()
}

func SubscriberClosed() {
	RegisterMetrics()
	subscribers.Dec()
}

func RecordPresence(outcome string) {
	RegisterMetrics()
	presencePublishes.WithLabelValues(outcome).Inc()
}

// SetElectionState marks state as the current one among states.
func SetElectionState(state string, states ...string) {
	RegisterMetrics()
	for _, s := range states {
		electionState.WithLabelValues(s).Set(0)
	}
	electionState.WithLabelValues(state).Set(1)
}

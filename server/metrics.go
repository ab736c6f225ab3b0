package server

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Live sessions.",
		},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "exchanges_total",
			Help:      "Exchanges handled, by outcome.",
		},
		[]string{"outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "exchange_duration_seconds",
			Help:      "Exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	routedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "routed_messages_total",
			Help:      "Inbound messages routed, by route.",
		},
		[]string{"route"},
	)
	droppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "dropped_messages_total",
			Help:      "Pending messages evicted or rejected because a session queue was full.",
		},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pushrpc",
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Sessions evicted.",
		},
	)
)

// Exchange outcomes.
const (
	outcomeOK          = "ok"
	outcomeDecodeError = "decode_error"
	outcomeAuthFailed  = "auth_failed"
	outcomeExpired     = "session_expired"
	outcomeEncodeError = "encode_error"
	outcomeUnavailable = "unavailable"
)

// RegisterMetrics registers the hub collectors with the default Prometheus
// registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, exchanges, exchangeDuration, routedMessages, droppedMessages, evictions)
	})
}

func recordExchange(outcome string, d time.Duration) {
	exchanges.WithLabelValues(outcome).Inc()
	exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func recordRouted(route string) {
	routedMessages.WithLabelValues(route).Inc()
}

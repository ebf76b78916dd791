package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects dispatch and lifecycle counters. Handler errors are
// counted but never fatal; the counters are how operators notice them.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	received        prometheus.Counter
	decodeFailures  prometheus.Counter
	duplicates      prometheus.Counter
	reconnects      prometheus.Counter
	connectFailures prometheus.Counter

	handlerInvocations *prometheus.CounterVec
	handlerErrors      *prometheus.CounterVec
	handlerTimeouts    *prometheus.CounterVec
	handlerPanics      *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec

	inFlight prometheus.Gauge
}

func newBusCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eventbus",
		Subsystem: "dispatch",
		Name:      name,
		Help:      help,
	})
}

func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventbus",
		Subsystem: "dispatch",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the collector set and registers it with reg. A nil
// registerer gets a private registry so multiple clients in one process do
// not collide; pass prometheus.DefaultRegisterer to expose globally.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	switch {
	case reg == nil:
		private := prometheus.NewRegistry()
		reg = private
		gatherer = private
	case reg == prometheus.Registerer(prometheus.DefaultRegisterer):
		gatherer = prometheus.DefaultGatherer
	default:
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		}
	}

	m := &Metrics{
		registerer:      reg,
		gatherer:        gatherer,
		received:        newBusCounter("messages_received_total", "Inbound frames taken off the connection."),
		decodeFailures:  newBusCounter("decode_failures_total", "Frames dropped because the envelope or payload failed strict decoding."),
		duplicates:      newBusCounter("duplicates_dropped_total", "Messages suppressed by the deduplicator."),
		reconnects:      newBusCounter("reconnects_total", "Times the connection was re-established after a loss."),
		connectFailures: newBusCounter("connect_failures_total", "Failed connection attempts."),
		handlerInvocations: newBusCounterVec("handler_invocations_total",
			"Handler invocations per subscription filter.", []string{"filter"}),
		handlerErrors: newBusCounterVec("handler_errors_total",
			"Handler invocations that returned an error.", []string{"filter"}),
		handlerTimeouts: newBusCounterVec("handler_timeouts_total",
			"Handler invocations cut off by the dispatch timeout.", []string{"filter"}),
		handlerPanics: newBusCounterVec("handler_panics_total",
			"Handler invocations that panicked.", []string{"filter"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventbus",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time per subscription filter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"filter"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbus",
			Subsystem: "dispatch",
			Name:      "handlers_in_flight",
			Help:      "Handlers currently executing.",
		}),
	}

	reg.MustRegister(
		m.received, m.decodeFailures, m.duplicates, m.reconnects, m.connectFailures,
		m.handlerInvocations, m.handlerErrors, m.handlerTimeouts, m.handlerPanics,
		m.handlerDuration, m.inFlight,
	)
	return m
}

// Package metrics exports call and relay counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peercall"

// Collector owns its own registry so several collectors (tests, a peer and
// a relay in one process) never clash on registration.
type Collector struct {
	reg *prometheus.Registry

	callsStarted     *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	transitions      *prometheus.CounterVec
	signalsSent      *prometheus.CounterVec
	signalsReceived  *prometheus.CounterVec
	duplicates       prometheus.Counter
	offerRetries     prometheus.Counter
	negotiationFails prometheus.Counter
	rtt              prometheus.Histogram

	relayPublished   *prometheus.CounterVec
	relayConnections prometheus.Gauge
}

// New creates a collector. subsystem is "peer" or "relay".
func New(subsystem string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "calls_started_total",
			Help: "Calls started, by local side.",
		}, []string{"side"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "calls_ended_total",
			Help: "Calls ended, by reason.",
		}, []string{"reason"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "calls_active",
			Help: "Calls currently in the active state.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "state_transitions_total",
			Help: "Session state machine transitions.",
		}, []string{"from", "to"}),
		signalsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "signals_sent_total",
			Help: "Signals published, by kind.",
		}, []string{"kind"}),
		signalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "signals_received_total",
			Help: "Signals handed to sessions, by kind.",
		}, []string{"kind"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "signals_duplicate_total",
			Help: "Signals and offers dropped as duplicates.",
		}),
		offerRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "offer_retries_total",
			Help: "Initial offers re-sent while waiting for an answer.",
		}),
		negotiationFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "negotiation_failures_total",
			Help: "Offers or answers that could not be applied.",
		}),
		rtt: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "rtt_seconds",
			Help:    "Round trip time of the nominated ICE candidate pair.",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .4, .8, 1.6},
		}),
		relayPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "relay_published_total",
			Help: "Signals accepted by the relay server, by kind.",
		}, []string{"kind"}),
		relayConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "relay_connections",
			Help: "Open websocket subscriptions on the relay server.",
		}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) CallStarted(side string) {
	if c == nil {
		return
	}
	c.callsStarted.WithLabelValues(side).Inc()
}

func (c *Collector) CallEnded(reason string) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(reason).Inc()
}

// Transition records an fsm transition and keeps calls_active in step.
func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
	switch {
	case to == "active":
		c.callsActive.Inc()
	case from == "active":
		c.callsActive.Dec()
	}
}

func (c *Collector) SignalSent(kind string) {
	if c == nil {
		return
	}
	c.signalsSent.WithLabelValues(kind).Inc()
}

func (c *Collector) SignalReceived(kind string) {
	if c == nil {
		return
	}
	c.signalsReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) Duplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

func (c *Collector) OfferRetry() {
	if c == nil {
		return
	}
	c.offerRetries.Inc()
}

func (c *Collector) NegotiationFailed() {
	if c == nil {
		return
	}
	c.negotiationFails.Inc()
}

func (c *Collector) ObserveRTT(d time.Duration) {
	if c == nil {
		return
	}
	c.rtt.Observe(d.Seconds())
}

func (c *Collector) RelayPublished(kind string) {
	if c == nil {
		return
	}
	c.relayPublished.WithLabelValues(kind).Inc()
}

func (c *Collector) RelayConnected() {
	if c == nil {
		return
	}
	c.relayConnections.Inc()
}

func (c *Collector) RelayDisconnected() {
	if c == nil {
		return
	}
	c.relayConnections.Dec()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for relay metrics
type Collector interface {
	ConnectionOpened()
	ConnectionClosed()

	QueueLength(n int)
	CallRequested(added bool)
	CallAccepted()

	SignalRouted(delivered int)
	FrameDropped(reason string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on a dedicated registry.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	activeConnections prometheus.Gauge
	queueLength       prometheus.Gauge
	callRequests      *prometheus.CounterVec
	callsAccepted     prometheus.Counter
	signals           *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
}

// NewPrometheusCollector registers the relay metrics on reg. A nil reg uses a
// fresh registry.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,

		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of open WebSocket connections",
		}),

		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_call_queue_length",
			Help: "Number of callers waiting for an operator",
		}),

		callRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_call_requests_total",
				Help: "Call requests received, split by whether they were queued",
			},
			[]string{"result"},
		),

		callsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_calls_accepted_total",
			Help: "Queued calls taken by an operator",
		}),

		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_signals_total",
				Help: "Signal envelopes routed, split by delivery outcome",
			},
			[]string{"outcome"},
		),

		framesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_dropped_total",
				Help: "Inbound or outbound frames dropped",
			},
			[]string{"reason"},
		),
	}
}

func (c *PrometheusCollector) ConnectionOpened() { c.activeConnections.Inc() }
func (c *PrometheusCollector) ConnectionClosed() { c.activeConnections.Dec() }

// QueueLength records the queue size after a mutation
func (c *PrometheusCollector) QueueLength(n int) {
	c.queueLength.Set(float64(n))
}

// CallRequested records a call_request; duplicates are counted separately
func (c *PrometheusCollector) CallRequested(added bool) {
	result := "queued"
	if !added {
		result = "duplicate"
	}
	c.callRequests.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) CallAccepted() { c.callsAccepted.Inc() }

// SignalRouted records one routed envelope and how many connections got it
func (c *PrometheusCollector) SignalRouted(delivered int) {
	outcome := "delivered"
	if delivered == 0 {
		outcome = "dropped"
	}
	c.signals.WithLabelValues(outcome).Inc()
}

// FrameDropped records a frame discarded for reason
func (c *PrometheusCollector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

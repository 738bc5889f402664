// Package metrics exposes the server's Prometheus collectors. None of
// this is on the hot path of the protocol engine itself; pkg/server only
// ever touches a *Metrics through the exported collector fields below,
// and its connection pool and control channel skip them when given a nil
// *Metrics, so those stay easy to unit test without standing up a
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the server updates.
type Metrics struct {
	registry *prometheus.Registry

	ControlChannels    prometheus.Gauge
	VisitorQueueDepth  *prometheus.GaugeVec
	DataChanQueueDepth *prometheus.GaugeVec
	VisitorsAccepted   *prometheus.CounterVec
	ForwardsStarted    *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	HandshakeFailures  *prometheus.CounterVec
}

// New builds a Metrics bundle registered against a fresh registry, so
// multiple Servers in the same process (as in tests) never collide on
// collector names in the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ControlChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "control_channels",
			Help:      "Number of control channels currently installed.",
		}),
		VisitorQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "visitor_queue_depth",
			Help:      "Visitors queued waiting for a data channel, per service.",
		}, []string{"service"}),
		DataChanQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "data_channel_queue_depth",
			Help:      "Data channels queued waiting for a visitor, per service.",
		}, []string{"service"}),
		VisitorsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "visitors_accepted_total",
			Help:      "Visitor connections accepted, per service.",
		}, []string{"service"}),
		ForwardsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "forwards_started_total",
			Help:      "Visitor/data-channel pairs handed to a forwarder, per service.",
		}, []string{"service"}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes copied between visitors and data channels, per service and direction.",
		}, []string{"service", "direction"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "handshake_failures_total",
			Help:      "Control channel handshakes rejected with an Ack (unknown service or failed auth), by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.ControlChannels,
		m.VisitorQueueDepth,
		m.DataChanQueueDepth,
		m.VisitorsAccepted,
		m.ForwardsStarted,
		m.BytesForwarded,
		m.HandshakeFailures,
	)
	return m
}

// Handler returns the HTTP handler to serve on a `/metrics` endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

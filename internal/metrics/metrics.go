// Package metrics exposes receiver counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the receiver's Prometheus collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	HandshakesTotal     *prometheus.CounterVec
	MessagesTotal       *prometheus.CounterVec
	PacketsDroppedTotal *prometheus.CounterVec
	BuffersExpiredTotal prometheus.Counter
	EnrolledDevices     prometheus.Gauge
	ActiveLinks         prometheus.Gauge
	HandshakeDuration   prometheus.Histogram
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toothpaste_handshakes_total",
				Help: "Pairing attempts by result",
			},
			[]string{"result"},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toothpaste_messages_total",
				Help: "Decrypted messages by payload type",
			},
			[]string{"type"},
		),

		PacketsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toothpaste_packets_dropped_total",
				Help: "Packets or messages discarded, by error",
			},
			[]string{"reason"},
		),

		BuffersExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toothpaste_reassembly_buffers_expired_total",
				Help: "Partially received messages discarded after the reassembly timeout",
			},
		),

		EnrolledDevices: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toothpaste_enrolled_devices",
				Help: "Transmitters in the enrollment table",
			},
		),

		ActiveLinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toothpaste_active_links",
				Help: "Connected transport links",
			},
		),

		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toothpaste_handshake_duration_seconds",
				Help:    "Time spent computing ECDH and persisting the enrollment",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handshake(result string, seconds float64) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(result).Inc()
	m.HandshakeDuration.Observe(seconds)
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.BuffersExpiredTotal.Add(float64(n))
}

func (m *Metrics) SetEnrolled(n int) {
	if m == nil {
		return
	}
	m.EnrolledDevices.Set(float64(n))
}

func (m *Metrics) LinkUp() {
	if m == nil {
		return
	}
	m.ActiveLinks.Inc()
}

func (m *Metrics) LinkDown() {
	if m == nil {
		return
	}
	m.ActiveLinks.Dec()
}

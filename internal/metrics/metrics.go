// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay groups the relay's collectors. A nil *Relay is valid and records nothing.
type Relay struct {
	gatherer prometheus.Gatherer

	connectedClients prometheus.Gauge
	actionsTotal     *prometheus.CounterVec
	broadcastsTotal  *prometheus.CounterVec
	takeoversTotal   *prometheus.CounterVec
	responderLatency prometheus.Histogram
}

// New registers the relay collectors on a fresh registry.
func New() *Relay {
	reg := prometheus.NewRegistry()
	r := &Relay{
		gatherer: reg,
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_relay_connected_clients",
			Help: "Number of connected agent WebSocket clients",
		}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_relay_actions_total",
			Help: "Client actions handled, by action and result",
		}, []string{"action", "result"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_relay_broadcast_frames_total",
			Help: "Event frames queued to clients, by event type",
		}, []string{"type"}),
		takeoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_relay_takeovers_total",
			Help: "Takeover and release outcomes",
		}, []string{"outcome"}),
		responderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "live_relay_responder_duration_seconds",
			Help:    "AI responder call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		r.connectedClients,
		r.actionsTotal,
		r.broadcastsTotal,
		r.takeoversTotal,
		r.responderLatency,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Relay) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Relay) ClientConnected() {
	if r != nil {
		r.connectedClients.Inc()
	}
}

func (r *Relay) ClientDisconnected() {
	if r != nil {
		r.connectedClients.Dec()
	}
}

// Action counts one handled action; result is "ok" or a short error kind.
func (r *Relay) Action(action, result string) {
	if r != nil {
		r.actionsTotal.WithLabelValues(action, result).Inc()
	}
}

func (r *Relay) Broadcast(eventType string, frames int) {
	if r != nil && frames > 0 {
		r.broadcastsTotal.WithLabelValues(eventType).Add(float64(frames))
	}
}

// Takeover counts "acquired", "rejected", "released", "release_rejected" or
// "expired".
func (r *Relay) Takeover(outcome string) {
	if r != nil {
		r.takeoversTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Relay) ObserveResponder(d time.Duration) {
	if r != nil {
		r.responderLatency.Observe(d.Seconds())
	}
}

// Package metrics collects and exposes Prometheus metrics for the auth
// agent: sync-protocol verification outcomes, nonce-store evictions, token
// rotations and security rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface components use to report events. The agent
// injects the Prometheus-backed Collector; tests typically inject Noop.
type Recorder interface {
	MessageVerified()
	MessageDropped(reason string)
	NonceEvicted(cause string, n int)
	Rotation(outcome string)
	SecurityRejected()
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	messagesVerified prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	nonceEvictions   *prometheus.CounterVec
	rotations        *prometheus.CounterVec
	securityRejected prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authlink_messages_verified_total",
			Help: "Signed sync messages that passed the full verification pipeline.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authlink_messages_dropped_total",
			Help: "Sync messages dropped, by pipeline stage (untrusted, signature, stale, replay, unauthorized).",
		}, []string{"reason"}),
		nonceEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authlink_nonce_evictions_total",
			Help: "Nonce store evictions, by cause (expired, capacity).",
		}, []string{"cause"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authlink_token_rotations_total",
			Help: "Refresh token rotations, by outcome (ok, failed, fingerprint_mismatch).",
		}, []string{"outcome"}),
		securityRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authlink_security_rejections_total",
			Help: "Sessions rejected because the anomaly score exceeded the ceiling.",
		}),
	}

	reg.MustRegister(
		c.messagesVerified,
		c.messagesDropped,
		c.nonceEvictions,
		c.rotations,
		c.securityRejected,
	)

	return c
}

func (c *Collector) MessageVerified() { c.messagesVerified.Inc() }

func (c *Collector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) NonceEvicted(cause string, n int) {
	c.nonceEvictions.WithLabelValues(cause).Add(float64(n))
}

func (c *Collector) Rotation(outcome string) {
	c.rotations.WithLabelValues(outcome).Inc()
}

func (c *Collector) SecurityRejected() { c.securityRejected.Inc() }

// Handler returns the HTTP handler serving the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Noop discards every event. Useful default when no registry is wired.
type Noop struct{}

func (Noop) MessageVerified()             {}
func (Noop) MessageDropped(string)        {}
func (Noop) NonceEvicted(string, int)     {}
func (Noop) Rotation(string)              {}
func (Noop) SecurityRejected()            {}

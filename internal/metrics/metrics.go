// Package metrics holds the Prometheus collectors of the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session close reasons used as label values.
const (
	ReasonClientClose  = "client_close"
	ReasonPeerGone     = "peer_gone"
	ReasonHeartbeat    = "heartbeat_timeout"
	ReasonHandshake    = "handshake_failed"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	sessionsClosed    *prometheus.CounterVec
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	broadcastsSent    prometheus.Counter
	broadcastsDropped prometheus.Counter
	otpRequests       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of authenticated WebSocket connections",
		}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason",
		}, []string{"reason"}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by type and outcome code",
		}, []string{"type", "code"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling duration in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"type"}),

		broadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notifications queued to peers",
		}),

		broadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications skipped because a peer was closed or backed up",
		}),

		otpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_verifications_total",
			Help:      "OTP verification attempts, by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionOpened counts a session entering Authenticated.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed counts a session leaving Authenticated.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SessionClosed records why a session ended.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// Request records one handled request. code is "ok" on success.
func (m *Metrics) Request(msgType, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, code).Inc()
	m.requestDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// Broadcast records the outcome of one fan-out.
func (m *Metrics) Broadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.broadcastsSent.Add(float64(delivered))
	m.broadcastsDropped.Add(float64(dropped))
}

// OTPVerification records a login attempt: "ok", "invalid" or "limited".
func (m *Metrics) OTPVerification(result string) {
	if m == nil {
		return
	}
	m.otpRequests.WithLabelValues(result).Inc()
}

// Package metrics defines the Prometheus collectors of the chat client.
//
// Collectors are registered on a caller-provided registry so several clients
// (or tests) can coexist in one process. A nil *Transport or *REST is valid
// and records nothing.
//
// Labels are bounded: "reason" takes one of the Reason* constants, "method"
// is an HTTP verb, "route" is the route template (never the raw path) and
// "status" is the numeric status code or "error".
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketchat"

// Publish rejection reasons.
const (
	ReasonNotConnected = "not_connected"
	ReasonRateLimited  = "rate_limited"
	ReasonWrite        = "write"
)

func counterOpts(subsystem, name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}
}

// Transport instruments the realtime connection.
type Transport struct {
	ConnectAttempts   prometheus.Counter
	Reconnects        prometheus.Counter
	HandshakeFailures prometheus.Counter
	Received          prometheus.Counter
	Published         prometheus.Counter
	PublishRejected   *prometheus.CounterVec
	OpenConnections   prometheus.Gauge
}

// NewTransport creates and registers the transport collectors.
func NewTransport(reg prometheus.Registerer) *Transport {
	t := &Transport{
		ConnectAttempts:   prometheus.NewCounter(counterOpts("realtime", "connect_attempts_total", "STOMP connection attempts, including reconnects.")),
		Reconnects:        prometheus.NewCounter(counterOpts("realtime", "reconnects_total", "Unexpected connection drops followed by a reconnect attempt.")),
		HandshakeFailures: prometheus.NewCounter(counterOpts("realtime", "handshake_failures_total", "Dials or STOMP CONNECTs that did not reach CONNECTED.")),
		Received:          prometheus.NewCounter(counterOpts("realtime", "messages_received_total", "MESSAGE frames delivered to subscribers.")),
		Published:         prometheus.NewCounter(counterOpts("realtime", "messages_published_total", "SEND frames written to the broker.")),
		PublishRejected:   prometheus.NewCounterVec(counterOpts("realtime", "publish_rejected_total", "Publish calls that did not reach the broker, by reason."), []string{"reason"}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "open_connections",
			Help:      "Connections currently in the open state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.ConnectAttempts, t.Reconnects, t.HandshakeFailures,
			t.Received, t.Published, t.PublishRejected, t.OpenConnections)
	}
	return t
}

func (t *Transport) ConnectAttempt() {
	if t != nil {
		t.ConnectAttempts.Inc()
	}
}

func (t *Transport) Reconnect() {
	if t != nil {
		t.Reconnects.Inc()
	}
}

func (t *Transport) HandshakeFailed() {
	if t != nil {
		t.HandshakeFailures.Inc()
	}
}

func (t *Transport) MessageReceived() {
	if t != nil {
		t.Received.Inc()
	}
}

func (t *Transport) MessagePublished() {
	if t != nil {
		t.Published.Inc()
	}
}

func (t *Transport) PublishRejectedFor(reason string) {
	if t != nil {
		t.PublishRejected.WithLabelValues(reason).Inc()
	}
}

// ConnOpened and ConnClosed must be paired.
func (t *Transport) ConnOpened() {
	if t != nil {
		t.OpenConnections.Inc()
	}
}

func (t *Transport) ConnClosed() {
	if t != nil {
		t.OpenConnections.Dec()
	}
}

// REST instruments backend API calls.
type REST struct {
	Requests  *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
	Refreshes *prometheus.CounterVec
}

// NewREST creates and registers the REST collectors.
func NewREST(reg prometheus.Registerer) *REST {
	r := &REST{
		Requests: prometheus.NewCounterVec(counterOpts("rest", "requests_total", "Backend API requests by method, route and status."), []string{"method", "route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "request_duration_seconds",
			Help:      "Backend API request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Refreshes: prometheus.NewCounterVec(counterOpts("rest", "token_refreshes_total", "Access token refreshes by outcome."), []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(r.Requests, r.Latency, r.Refreshes)
	}
	return r
}

// Observe records one request. status 0 means the request never got a
// response.
func (r *REST) Observe(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.Requests.WithLabelValues(method, route, label).Inc()
	r.Latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Refreshed records a token refresh outcome ("ok", "rejected", "error").
func (r *REST) Refreshed(outcome string) {
	if r != nil {
		r.Refreshes.WithLabelValues(outcome).Inc()
	}
}

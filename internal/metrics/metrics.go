// Package metrics exposes Prometheus collectors for the session layer.
//
// A nil *Metrics is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "educonnect"

// Refresh outcomes recorded by RefreshFinished.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshCleared = "cleared"
)

// Metrics holds every collector of the session layer.
type Metrics struct {
	ConnectionState     prometheus.Gauge
	ReconnectAttempts   prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	MessagesReceived    prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	HandlerPanics       prometheus.Counter

	TokenRefreshes  *prometheus.CounterVec
	RefreshWaiters  prometheus.Counter
	RequestRetries  *prometheus.CounterVec
	SessionLost     prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Current realtime connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		ReconnectsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_exhausted_total",
			Help:      "Total number of times automatic reconnection gave up",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Number of durable topic subscriptions",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_received_total",
			Help:      "Total number of MESSAGE frames delivered to handlers",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound frames dropped before reaching a handler",
		}, []string{"reason"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "handler_panics_total",
			Help:      "Total number of recovered panics in message handlers and observers",
		}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of credential refresh calls by outcome",
		}, []string{"result"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_waiters_total",
			Help:      "Total number of callers that joined an in-flight refresh instead of starting one",
		}),
		RequestRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_retries_total",
			Help:      "Total number of requests reissued after a credential refresh",
		}, []string{"service"}),
		SessionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "session_lost_total",
			Help:      "Total number of sessions lost because credentials could not be recovered",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by service and status class",
		}, []string{"service", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"service"}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState,
		m.ReconnectAttempts,
		m.ReconnectsExhausted,
		m.ActiveSubscriptions,
		m.MessagesReceived,
		m.MessagesDropped,
		m.HandlerPanics,
		m.TokenRefreshes,
		m.RefreshWaiters,
		m.RequestRetries,
		m.SessionLost,
		m.RequestsTotal,
		m.RequestDuration,
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) ReconnectGaveUp() {
	if m == nil {
		return
	}
	m.ReconnectsExhausted.Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// MessageDropped records a frame that never reached a handler, for example "malformed" or "no_handler".
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) HandlerPanicked() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// RefreshFinished records the outcome of one refresh call: RefreshSuccess, RefreshFailure or RefreshCleared.
func (m *Metrics) RefreshFinished(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RefreshJoined() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

func (m *Metrics) RequestRetried(service string) {
	if m == nil {
		return
	}
	m.RequestRetries.WithLabelValues(service).Inc()
}

func (m *Metrics) SessionLostObserved() {
	if m == nil {
		return
	}
	m.SessionLost.Inc()
}

// RequestFinished records one HTTP exchange. A zero status means a transport failure.
func (m *Metrics) RequestFinished(service string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(service, statusClass(status)).Inc()
	m.RequestDuration.WithLabelValues(service).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

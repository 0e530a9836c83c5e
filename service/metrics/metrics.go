package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Balance Poller Metrics
	balanceReadsTotal *prometheus.CounterVec

	// Wallet Provider Metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	// Tip Metrics
	tipAttemptsTotal    *prometheus.CounterVec
	tipLamportsSent     prometheus.Counter
	widgetSessionsGauge prometheus.Gauge

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		// Balance Poller Metrics
		balanceReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_reads_total",
				Help: "Total number of balance reads issued by widget pollers",
			},
			[]string{"status"},
		),

		// Wallet Provider Metrics
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_provider_calls_total",
				Help: "Total number of wallet provider calls by method and status",
			},
			[]string{"method", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_provider_call_duration_seconds",
				Help:    "Duration of wallet provider calls in seconds, including user confirmation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		),

		// Tip Metrics
		tipAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tip_attempts_total",
				Help: "Total number of finished tip attempts by outcome",
			},
			[]string{"status"},
		),
		tipLamportsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tip_lamports_sent_total",
				Help: "Total lamports sent by successful tips",
			},
		),
		widgetSessionsGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "widget_sessions_active",
				Help: "Number of live widget sessions",
			},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordBalanceRead records the outcome of one poller read.
func (m *Metrics) RecordBalanceRead(status string) {
	m.balanceReadsTotal.WithLabelValues(status).Inc()
}

// Wallet provider metric helpers

// RecordProviderCall records a wallet provider call with duration.
func (m *Metrics) RecordProviderCall(method, status string, duration float64) {
	m.providerCallsTotal.WithLabelValues(method, status).Inc()
	m.providerCallDuration.WithLabelValues(method).Observe(duration)
}

// Tip metric helpers

// RecordTipAttempt records a finished attempt. lamports is only counted on success.
func (m *Metrics) RecordTipAttempt(status string, lamports uint64) {
	m.tipAttemptsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.tipLamportsSent.Add(float64(lamports))
	}
}

// RecordSessionChange records a change in live widget session count.
func (m *Metrics) RecordSessionChange(delta float64) {
	m.widgetSessionsGauge.Add(delta)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

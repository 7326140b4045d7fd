package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the orchestrator's Prometheus metrics: message flow per
// channel, turn throughput and latency, approval outcomes, and error rates.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (telegram|slack|http), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// TurnCounter counts started turn executions by channel.
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// ApprovalCounter counts resolved tool approvals.
	// Labels: outcome (proceed_once|proceed_always_tool|cancel)
	ApprovalCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with a specific registerer. Tests use
// this with a fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_turns_total",
				Help: "Total number of turn executions started by channel",
			},
			[]string{"channel"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstile_turn_duration_seconds",
				Help:    "End-to-end duration of turn executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"channel"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_approvals_total",
				Help: "Total number of tool approvals resolved by outcome",
			},
			[]string{"outcome"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstile_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// MessageReceived increments the inbound message counter for a channel.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter for a channel.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// TurnStarted counts a dispatched turn execution.
func (m *Metrics) TurnStarted(channel string) {
	m.TurnCounter.WithLabelValues(channel).Inc()
}

// ObserveTurn records the duration of a finished turn.
func (m *Metrics) ObserveTurn(channel string, durationSeconds float64) {
	m.TurnDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// ApprovalResolved counts a resolved approval by outcome.
func (m *Metrics) ApprovalResolved(outcome string) {
	m.ApprovalCounter.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records the latency of one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

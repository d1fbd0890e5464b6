package billing

import (
	"net/http"
	"time"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// WebhookSecret is the shared secret used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. cancel).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// AllowUnsignedWebhooks skips signature verification when the secret or the
	// signature header is absent. A present but wrong signature is still rejected.
	// Defaults to false: verification that cannot be performed fails closed.
	AllowUnsignedWebhooks bool

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger Logger
}

// ReconcilerConfig configures the shared reconciliation pipeline.
type ReconcilerConfig struct {
	// Store is the user-record store (required).
	Store UserStore

	// EventLog is optional. When set, deliveries carrying a provider event id
	// are applied at most once.
	EventLog EventLog

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Metrics Metrics
	Logger  Logger
}

// MetricsOrNoop returns m, or a no-op implementation when m is nil.
func MetricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}

// LoggerOrNoop returns l, or a no-op implementation when l is nil.
func LoggerOrNoop(l Logger) Logger {
	if l == nil {
		return &NoopLogger{}
	}
	return l
}

// Package lemonsqueezy implements billing.Provider for LemonSqueezy subscriptions.
package lemonsqueezy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

const (
	providerName       = billing.ProviderLemonSqueezy
	signatureHeader    = "X-Signature"
	defaultBaseURL     = "https://api.lemonsqueezy.com"
	defaultHTTPTimeout = 10 * time.Second
)

// Config extends billing.Config with LemonSqueezy-specific options
type Config struct {
	billing.Config

	// BaseURL overrides the API endpoint. Defaults to https://api.lemonsqueezy.com.
	BaseURL string
}

// Provider implements billing.Provider for LemonSqueezy
type Provider struct {
	secret        []byte
	apiKey        string
	baseURL       string
	allowUnsigned bool
	httpClient    *http.Client
	metrics       billing.Metrics
	logger        billing.Logger
}

// NewProvider creates a new LemonSqueezy billing provider.
// Missing credentials are reported when they are needed, not here: an absent
// webhook secret fails verification and an absent API key fails cancellation.
func NewProvider(config Config) (*Provider, error) {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		secret:        []byte(strings.TrimSpace(config.WebhookSecret)),
		apiKey:        strings.TrimSpace(config.APIKey),
		baseURL:       baseURL,
		allowUnsigned: config.AllowUnsignedWebhooks,
		httpClient:    httpClient,
		metrics:       billing.MetricsOrNoop(config.Metrics),
		logger:        billing.LoggerOrNoop(config.Logger),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader returns the header LemonSqueezy signs deliveries in.
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// VerifySignature compares the X-Signature header with the hex encoded
// HMAC-SHA256 of the raw body.
func (p *Provider) VerifySignature(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if len(p.secret) == 0 || signature == "" {
		if p.allowUnsigned {
			p.logger.Warn("webhook signature not verified",
				billing.F("provider", providerName),
				billing.F("secret_configured", len(p.secret) > 0),
				billing.F("signature_present", signature != ""))
			return nil
		}
		return billing.AuthError(http.StatusUnauthorized, billing.ErrMissingWebhookSignature)
	}

	if !hmac.Equal([]byte(signature), []byte(computeSignature(p.secret, body))) {
		return billing.AuthError(http.StatusUnauthorized, billing.ErrInvalidWebhookSignature)
	}
	return nil
}

// MapStatus collapses LemonSqueezy states onto premium/free.
func (p *Provider) MapStatus(t billing.Transition, providerStatus string) string {
	switch t {
	case billing.TransitionActivated:
		return billing.StatusPremium
	case billing.TransitionCancelled:
		return billing.StatusFree
	case billing.TransitionPaymentFailed:
		return billing.StatusPastDue
	default:
		if providerStatus == statusActive || providerStatus == statusOnTrial {
			return billing.StatusPremium
		}
		return billing.StatusFree
	}
}

func computeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

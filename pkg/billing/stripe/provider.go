// Package stripe implements billing.Provider for Stripe subscriptions.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

const (
	providerName       = billing.ProviderStripe
	signatureHeader    = "Stripe-Signature"
	defaultHTTPTimeout = 10 * time.Second
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, Metrics, ...)

	// PriceID is the recurring price sold by the hosted checkout.
	PriceID string

	// SiteURL is the fallback base for checkout success/cancel redirects when
	// the request carries no Origin header.
	SiteURL string
}

// subscriptionAPI is the part of the Stripe API this provider calls.
type subscriptionAPI interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// clientAPI adapts *stripe.Client to subscriptionAPI.
type clientAPI struct {
	client *stripe.Client
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *clientAPI) UpdateSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Update(ctx, id, params)
}

func (c *clientAPI) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Cancel(ctx, id, nil)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	api           subscriptionAPI // nil when no API key is configured
	webhookSecret string
	priceID       string
	siteURL       string
	allowUnsigned bool
	metrics       billing.Metrics
	logger        billing.Logger
}

// NewProvider creates a new Stripe billing provider.
// Without an API key the provider still verifies and normalizes webhooks;
// API operations then fail with a configuration error.
func NewProvider(config Config) (*Provider, error) {
	p := &Provider{
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		priceID:       strings.TrimSpace(config.PriceID),
		siteURL:       strings.TrimRight(strings.TrimSpace(config.SiteURL), "/"),
		allowUnsigned: config.AllowUnsignedWebhooks,
		metrics:       billing.MetricsOrNoop(config.Metrics),
		logger:        billing.LoggerOrNoop(config.Logger),
	}

	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackends(httpClient)
		p.api = &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader returns the header Stripe signs deliveries in.
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// MapStatus writes Stripe's own status vocabulary to the user record.
func (p *Provider) MapStatus(t billing.Transition, providerStatus string) string {
	switch t {
	case billing.TransitionActivated:
		return billing.StatusActive
	case billing.TransitionCancelled:
		return billing.StatusCanceled
	case billing.TransitionPaymentFailed:
		return billing.StatusPastDue
	default:
		return providerStatus
	}
}

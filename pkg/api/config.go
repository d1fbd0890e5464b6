package api

import (
	"context"
	"fmt"
	"net/http"

	httpmw "github.com/kitchen-alchemy/functions/middleware/http"
	"github.com/kitchen-alchemy/functions/pkg/billing"
	stripebilling "github.com/kitchen-alchemy/functions/pkg/billing/stripe"
)

// CheckoutProvider is the Stripe surface behind the checkout and
// subscription endpoints. *stripe.Provider implements it.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req stripebilling.CheckoutRequest) (*stripebilling.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripebilling.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripebilling.Subscription, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Reconciler applies state changes to user records (required)
	Reconciler *billing.Reconciler

	// Providers serve /webhook/{name}. Their order is the order in which
	// /cancel-subscription looks for a stored subscription.
	Providers []billing.Provider

	// Checkout backs /create-checkout, /subscription and /cancel-at-period-end.
	// If nil, those endpoints answer with a configuration error.
	Checkout CheckoutProvider

	// CORS configures the CORS middleware. Zero value is permissive.
	CORS httpmw.Config

	// MetricsHandler is mounted on GET /metrics when set
	MetricsHandler http.Handler

	// Ready is called by GET /healthz when set; an error reports 503.
	Ready func(ctx context.Context) error

	// Logger is optional; if nil, logging is disabled
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("nil provider")
		}
		if seen[p.Name()] {
			return fmt.Errorf("duplicate provider %q", p.Name())
		}
		seen[p.Name()] = true
	}
	return nil
}

package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// CheckoutRequest describes a hosted checkout for the premium plan.
type CheckoutRequest struct {
	UserID string
	Email  string
	// Origin is the site the customer returns to. SiteURL is used when empty.
	Origin string
}

// CheckoutSession is the created checkout session.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Subscription is the live state of a Stripe subscription.
type Subscription struct {
	ID                string
	Status            string
	CurrentPeriodEnd  *time.Time // nil when Stripe reports no period
	CancelAtPeriodEnd bool
}

// CreateCheckoutSession creates a subscription-mode Checkout Session for the
// configured price. The user id is carried as client_reference_id and in the
// session and subscription metadata so the completed event can be matched.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := p.requireAPI(); err != nil {
		return nil, err
	}
	if p.priceID == "" {
		p.logger.Error("stripe price id not configured")
		return nil, billing.ConfigError(fmt.Errorf("stripe price id: %w", billing.ErrProviderNotConfigured))
	}

	base := strings.TrimRight(strings.TrimSpace(req.Origin), "/")
	if base == "" {
		base = p.siteURL
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(base + "/?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(base + "/?canceled=true"),
		CustomerEmail:     stripe.String(req.Email),
		ClientReferenceID: stripe.String(req.UserID),
	}
	params.AddMetadata("userId", req.UserID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("userId", req.UserID)

	const endpoint = "/v1/checkout/sessions"
	startTime := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		p.logger.Error("stripe checkout session creation failed",
			billing.F("user_id", req.UserID), billing.F("error", err))
		return nil, upstreamError("Failed to create checkout session", err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GetSubscription retrieves the live subscription state.
func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if err := p.requireAPI(); err != nil {
		return nil, err
	}

	const endpoint = "/v1/subscriptions/{id}"
	startTime := time.Now()
	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, upstreamError("Failed to retrieve subscription", err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return summarize(sub), nil
}

// CancelAtPeriodEnd schedules the subscription to end when the current
// period does. The customer.subscription.updated webhook follows.
func (p *Provider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if err := p.requireAPI(); err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}

	const endpoint = "/v1/subscriptions/{id}#update"
	startTime := time.Now()
	sub, err := p.api.UpdateSubscription(ctx, subscriptionID, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, upstreamError("Failed to update subscription", err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	return summarize(sub), nil
}

// CancelSubscription cancels the subscription immediately.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if err := p.requireAPI(); err != nil {
		return err
	}

	const endpoint = "/v1/subscriptions/{id}#cancel"
	startTime := time.Now()
	_, err := p.api.CancelSubscription(ctx, subscriptionID)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		p.logger.Error("stripe cancel failed",
			billing.F("subscription_id", subscriptionID), billing.F("error", err))
		return upstreamError("Failed to cancel subscription", err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

func (p *Provider) requireAPI() error {
	if p.api == nil {
		p.logger.Error("stripe API key not configured")
		return billing.ConfigError(fmt.Errorf("stripe API key: %w", billing.ErrProviderNotConfigured))
	}
	return nil
}

// upstreamError keeps the HTTP status and message of a *stripe.Error.
func upstreamError(msg string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return billing.UpstreamError(stripeErr.HTTPStatusCode, msg, stripeErr.Msg,
			fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err))
	}
	return billing.UpstreamError(0, msg, nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err))
}

func summarize(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	// The period end lives on the items; the latest one bounds access.
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		out.CurrentPeriodEnd = &t
	}
	return out
}

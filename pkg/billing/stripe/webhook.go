package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

const (
	eventCheckoutSessionCompleted   = "checkout.session.completed"
	eventCustomerSubscriptionUpdate = "customer.subscription.updated"
	eventCustomerSubscriptionDelete = "customer.subscription.deleted"
	eventInvoicePaymentFailed       = "invoice.payment_failed"
)

// userIDMetadataKeys are the metadata keys checkout sessions may carry the
// internal user id under, in priority order.
var userIDMetadataKeys = []string{"userId", "firebaseUserId", "user_id"}

// VerifySignature validates the Stripe-Signature header (timestamp and v1
// HMAC) against the endpoint secret. Failures are reported as 400.
func (p *Provider) VerifySignature(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if p.webhookSecret == "" || signature == "" {
		if p.allowUnsigned {
			p.logger.Warn("webhook signature not verified",
				billing.F("provider", providerName),
				billing.F("secret_configured", p.webhookSecret != ""),
				billing.F("signature_present", signature != ""))
			return nil
		}
		return billing.AuthError(http.StatusBadRequest, billing.ErrMissingWebhookSignature)
	}

	if err := webhook.ValidatePayload(body, signature, p.webhookSecret); err != nil {
		return billing.AuthError(http.StatusBadRequest,
			fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err))
	}
	return nil
}

// NormalizeEvent maps a Stripe event onto a billing transition.
func (p *Provider) NormalizeEvent(body []byte) (*billing.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	ev := &billing.Event{
		Provider: providerName,
		ID:       event.ID,
		Type:     string(event.Type),
	}
	if event.Created > 0 {
		ev.OccurredAt = time.Unix(event.Created, 0).UTC()
	}

	var err error
	switch ev.Type {
	case eventCheckoutSessionCompleted:
		err = normalizeCheckoutCompleted(&event, ev)
	case eventCustomerSubscriptionUpdate:
		err = normalizeSubscription(&event, ev, billing.TransitionUpdated)
	case eventCustomerSubscriptionDelete:
		err = normalizeSubscription(&event, ev, billing.TransitionCancelled)
	case eventInvoicePaymentFailed:
		err = normalizePaymentFailed(&event, ev)
	default:
		ev.Transition = billing.TransitionUnhandled
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func eventObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", billing.ErrInvalidWebhookPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

// normalizeCheckoutCompleted resolves the user by the id the checkout was
// created with, falling back to the email the customer entered.
func normalizeCheckoutCompleted(event *stripe.Event, ev *billing.Event) error {
	var session stripe.CheckoutSession
	if err := eventObject(event, &session); err != nil {
		return err
	}

	ev.Transition = billing.TransitionActivated
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}

	if userID := checkoutUserID(&session); userID != "" {
		ev.Lookup = billing.ByUserID(userID)
	} else if email := checkoutEmail(&session); email != "" {
		ev.Lookup = billing.ByEmail(email)
	}
	return nil
}

func checkoutUserID(session *stripe.CheckoutSession) string {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id
	}
	for _, key := range userIDMetadataKeys {
		if id := strings.TrimSpace(session.Metadata[key]); id != "" {
			return id
		}
	}
	return ""
}

func checkoutEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.CustomerEmail
}

func normalizeSubscription(event *stripe.Event, ev *billing.Event, t billing.Transition) error {
	var sub stripe.Subscription
	if err := eventObject(event, &sub); err != nil {
		return err
	}

	ev.Transition = t
	ev.SubscriptionID = sub.ID
	ev.ProviderStatus = string(sub.Status)
	if t == billing.TransitionUpdated && ev.ProviderStatus == "" {
		return fmt.Errorf("%w: subscription %s has no status", billing.ErrInvalidWebhookPayload, sub.ID)
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		ev.CustomerID = sub.Customer.ID
		ev.Lookup = billing.ByCustomerID(sub.Customer.ID)
	}
	return nil
}

func normalizePaymentFailed(event *stripe.Event, ev *billing.Event) error {
	var invoice stripe.Invoice
	if err := eventObject(event, &invoice); err != nil {
		return err
	}

	ev.Transition = billing.TransitionPaymentFailed
	if invoice.Customer != nil && invoice.Customer.ID != "" {
		ev.CustomerID = invoice.Customer.ID
		ev.Lookup = billing.ByCustomerID(invoice.Customer.ID)
	}
	return nil
}

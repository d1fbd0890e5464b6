package billing

import "context"

// Provider is the capability every payment provider integration implements.
// The reconciliation pipeline is shared; only verification, normalization and
// status vocabulary differ between providers.
type Provider interface {
	// Name returns the provider name (e.g., "stripe", "lemonsqueezy")
	Name() string

	// SignatureHeader is the request header carrying the webhook signature.
	SignatureHeader() string

	// VerifySignature checks that body was produced by the provider.
	// It returns an *Error of kind KindAuth when verification fails or cannot be performed.
	VerifySignature(body []byte, signature string) error

	// NormalizeEvent parses a raw webhook body into a normalized Event.
	// Unknown event types yield TransitionUnhandled, not an error.
	NormalizeEvent(body []byte) (*Event, error)

	// MapStatus returns the subscription status written to the user record
	// for a transition, given the raw provider status (may be empty).
	MapStatus(t Transition, providerStatus string) string
}

// SubscriptionCanceller is implemented by providers that can cancel a
// subscription through their API.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

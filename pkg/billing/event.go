package billing

import "time"

// Transition is the provider-agnostic subscription state change carried by an event.
type Transition int

const (
	// TransitionUnhandled marks events that are acknowledged but not applied.
	TransitionUnhandled Transition = iota
	TransitionActivated
	TransitionUpdated
	TransitionCancelled
	TransitionPaymentFailed
)

func (t Transition) String() string {
	switch t {
	case TransitionActivated:
		return "activated"
	case TransitionUpdated:
		return "updated"
	case TransitionCancelled:
		return "cancelled"
	case TransitionPaymentFailed:
		return "payment_failed"
	default:
		return "unhandled"
	}
}

// LookupKind selects how the user of an event is resolved.
type LookupKind int

const (
	LookupNone LookupKind = iota
	LookupUserID
	LookupEmail
	LookupCustomerID
)

func (k LookupKind) String() string {
	switch k {
	case LookupUserID:
		return "user_id"
	case LookupEmail:
		return "email"
	case LookupCustomerID:
		return "customer_id"
	default:
		return "none"
	}
}

// Lookup identifies the user an event belongs to.
type Lookup struct {
	Kind  LookupKind
	Value string
}

// ByUserID looks a user up by the internal identifier.
func ByUserID(id string) Lookup { return Lookup{Kind: LookupUserID, Value: id} }

// ByEmail looks a user up by email address.
func ByEmail(email string) Lookup { return Lookup{Kind: LookupEmail, Value: email} }

// ByCustomerID looks a user up by the provider customer identifier.
func ByCustomerID(id string) Lookup { return Lookup{Kind: LookupCustomerID, Value: id} }

// Event is a normalized webhook event.
type Event struct {
	// Provider is the provider name ("stripe", "lemonsqueezy").
	Provider string

	// ID is the provider delivery/event id, empty when the payload has none.
	ID string

	// Type is the raw provider event type, e.g. "subscription_created" or
	// "checkout.session.completed".
	Type string

	Transition Transition
	Lookup     Lookup

	// CustomerID and SubscriptionID are the provider identifiers carried by the
	// payload, empty when absent.
	CustomerID     string
	SubscriptionID string

	// ProviderStatus is the raw subscription status reported by the provider.
	ProviderStatus string

	// OccurredAt is the provider-side event time; zero when unknown.
	OccurredAt time.Time
}

package billing

import "time"

// Subscription status values written to the user record.
// Stripe writes its own status vocabulary verbatim (active, canceled, past_due, ...),
// LemonSqueezy is collapsed to premium/free.
const (
	StatusFree     = "free"
	StatusPremium  = "premium"
	StatusActive   = "active"
	StatusOnTrial  = "on_trial"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Provider names. They double as the {provider} path segment of the webhook route.
const (
	ProviderStripe       = "stripe"
	ProviderLemonSqueezy = "lemonsqueezy"
)

// IsPremiumStatus reports whether a subscription status grants premium access.
func IsPremiumStatus(status string) bool {
	switch status {
	case StatusActive, StatusPremium, StatusOnTrial:
		return true
	default:
		return false
	}
}

// User is the subset of the user document that billing reads and writes.
// The record itself is created by the signup flow; billing only patches it.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	SubscriptionStatus string `json:"subscriptionStatus"`
	IsPremium          bool   `json:"isPremium"`

	StripeCustomerID     string `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string `json:"stripeSubscriptionId,omitempty"`
	StripeStatus         string `json:"stripeStatus,omitempty"`

	LemonSqueezyCustomerID     string `json:"lemonSqueezyCustomerId,omitempty"`
	LemonSqueezySubscriptionID string `json:"lemonSqueezySubscriptionId,omitempty"`
	LemonSqueezyStatus         string `json:"lemonSqueezyStatus,omitempty"`

	UpgradedAt       *time.Time `json:"upgradedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	LastWebhookEvent string     `json:"lastWebhookEvent,omitempty"`
	LastWebhookAt    *time.Time `json:"lastWebhookAt,omitempty"`
}

// ProviderLink is the linkage between a user and one payment provider.
type ProviderLink struct {
	CustomerID     string
	SubscriptionID string
	Status         string
}

// Link returns the stored linkage for the given provider.
func (u *User) Link(provider string) ProviderLink {
	switch provider {
	case ProviderStripe:
		return ProviderLink{
			CustomerID:     u.StripeCustomerID,
			SubscriptionID: u.StripeSubscriptionID,
			Status:         u.StripeStatus,
		}
	case ProviderLemonSqueezy:
		return ProviderLink{
			CustomerID:     u.LemonSqueezyCustomerID,
			SubscriptionID: u.LemonSqueezySubscriptionID,
			Status:         u.LemonSqueezyStatus,
		}
	default:
		return ProviderLink{}
	}
}

// Document field names shared by every store. Stores that are not document
// oriented map these to their own column names.
const (
	FieldEmail              = "email"
	FieldSubscriptionStatus = "subscriptionStatus"
	FieldIsPremium          = "isPremium"
	FieldUpgradedAt         = "upgradedAt"
	FieldCancelledAt        = "cancelledAt"
	FieldLastWebhookEvent   = "lastWebhookEvent"
	FieldLastWebhookAt      = "lastWebhookAt"
)

// CustomerIDField returns the document field holding the provider customer id.
func CustomerIDField(provider string) string {
	return providerPrefix(provider) + "CustomerId"
}

// SubscriptionIDField returns the document field holding the provider subscription id.
func SubscriptionIDField(provider string) string {
	return providerPrefix(provider) + "SubscriptionId"
}

// ProviderStatusField returns the document field holding the raw provider status.
func ProviderStatusField(provider string) string {
	return providerPrefix(provider) + "Status"
}

func providerPrefix(provider string) string {
	if provider == ProviderLemonSqueezy {
		return "lemonSqueezy"
	}
	return provider
}

// Patch is a merge update of a user record. Nil fields are left untouched.
// IsPremium is never set directly; it follows Status.
type Patch struct {
	// Provider names the provider the linkage fields belong to.
	Provider string

	Status         *string
	CustomerID     *string
	SubscriptionID *string
	ProviderStatus *string

	UpgradedAt       *time.Time
	CancelledAt      *time.Time
	LastWebhookEvent *string
	LastWebhookAt    *time.Time
}

// IsEmpty reports whether the patch would change nothing.
func (p *Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields returns the patch as document field name -> value.
func (p *Patch) Fields() map[string]interface{} {
	fields := make(map[string]interface{})
	if p.Status != nil {
		fields[FieldSubscriptionStatus] = *p.Status
		fields[FieldIsPremium] = IsPremiumStatus(*p.Status)
	}
	if p.Provider != "" {
		if p.CustomerID != nil {
			fields[CustomerIDField(p.Provider)] = *p.CustomerID
		}
		if p.SubscriptionID != nil {
			fields[SubscriptionIDField(p.Provider)] = *p.SubscriptionID
		}
		if p.ProviderStatus != nil {
			fields[ProviderStatusField(p.Provider)] = *p.ProviderStatus
		}
	}
	if p.UpgradedAt != nil {
		fields[FieldUpgradedAt] = p.UpgradedAt.UTC()
	}
	if p.CancelledAt != nil {
		fields[FieldCancelledAt] = p.CancelledAt.UTC()
	}
	if p.LastWebhookEvent != nil {
		fields[FieldLastWebhookEvent] = *p.LastWebhookEvent
	}
	if p.LastWebhookAt != nil {
		fields[FieldLastWebhookAt] = p.LastWebhookAt.UTC()
	}
	return fields
}

// Apply merges the patch into u.
func (p *Patch) Apply(u *User) {
	if p.Status != nil {
		u.SubscriptionStatus = *p.Status
		u.IsPremium = IsPremiumStatus(*p.Status)
	}
	switch p.Provider {
	case ProviderStripe:
		setString(&u.StripeCustomerID, p.CustomerID)
		setString(&u.StripeSubscriptionID, p.SubscriptionID)
		setString(&u.StripeStatus, p.ProviderStatus)
	case ProviderLemonSqueezy:
		setString(&u.LemonSqueezyCustomerID, p.CustomerID)
		setString(&u.LemonSqueezySubscriptionID, p.SubscriptionID)
		setString(&u.LemonSqueezyStatus, p.ProviderStatus)
	}
	setTime(&u.UpgradedAt, p.UpgradedAt)
	setTime(&u.CancelledAt, p.CancelledAt)
	setString(&u.LastWebhookEvent, p.LastWebhookEvent)
	setTime(&u.LastWebhookAt, p.LastWebhookAt)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := v.UTC()
		*dst = &t
	}
}

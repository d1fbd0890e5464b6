package lemonsqueezy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

const (
	eventSubscriptionCreated   = "subscription_created"
	eventSubscriptionCancelled = "subscription_cancelled"
	eventSubscriptionExpired   = "subscription_expired"
	eventSubscriptionUpdated   = "subscription_updated"
	eventSubscriptionResumed   = "subscription_resumed"

	statusActive  = "active"
	statusOnTrial = "on_trial"
)

// webhookPayload is the subset of the LemonSqueezy webhook body billing uses.
type webhookPayload struct {
	Meta struct {
		EventName string `json:"event_name"`
	} `json:"meta"`
	Data struct {
		ID         json.RawMessage `json:"id"`
		Type       string          `json:"type"`
		Attributes struct {
			UserEmail  string          `json:"user_email"`
			CustomerID json.RawMessage `json:"customer_id"`
			Status     string          `json:"status"`
			UpdatedAt  string          `json:"updated_at"`
		} `json:"attributes"`
	} `json:"data"`
}

// NormalizeEvent maps a LemonSqueezy webhook onto a billing transition.
// LemonSqueezy events identify the user by email only. Deliveries carry no
// per-event id, so they are never de-duplicated.
func (p *Provider) NormalizeEvent(body []byte) (*billing.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	attrs := payload.Data.Attributes
	ev := &billing.Event{
		Provider:       providerName,
		Type:           payload.Meta.EventName,
		SubscriptionID: rawID(payload.Data.ID),
		CustomerID:     rawID(attrs.CustomerID),
		ProviderStatus: attrs.Status,
		OccurredAt:     parseTime(attrs.UpdatedAt),
	}
	if email := strings.TrimSpace(attrs.UserEmail); email != "" {
		ev.Lookup = billing.ByEmail(email)
	}

	switch ev.Type {
	case eventSubscriptionCreated:
		ev.Transition = billing.TransitionActivated
	case eventSubscriptionCancelled, eventSubscriptionExpired:
		ev.Transition = billing.TransitionCancelled
	case eventSubscriptionUpdated, eventSubscriptionResumed:
		ev.Transition = billing.TransitionUpdated
	default:
		ev.Transition = billing.TransitionUnhandled
	}
	return ev, nil
}

// rawID renders a JSON id that may be encoded as a number or a string.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome describes what the reconciler did with an event.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUserNotFound  Outcome = "user_not_found"
	OutcomeMissingLookup Outcome = "missing_lookup"
	OutcomeDuplicate     Outcome = "duplicate"
)

// Result is returned for every event the reconciler accepted.
// All outcomes are successes from the provider's point of view: none of them
// would change on redelivery.
type Result struct {
	Outcome Outcome
	UserID  string

	// PreviousStatus and Status are set when the outcome is OutcomeApplied.
	PreviousStatus string
	Status         string
}

// Message is a human-readable summary used in webhook responses.
func (r *Result) Message() string {
	switch r.Outcome {
	case OutcomeApplied:
		return fmt.Sprintf("Subscription status set to %s", r.Status)
	case OutcomeUserNotFound:
		return "User not found"
	case OutcomeMissingLookup:
		return "No user reference in event"
	case OutcomeDuplicate:
		return "Event already processed"
	default:
		return "Event received"
	}
}

// Reconciler resolves the user an event belongs to and applies the normalized
// transition to the user record.
type Reconciler struct {
	store   UserStore
	events  EventLog
	clock   func() time.Time
	metrics Metrics
	logger  Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("user store is required")
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:   config.Store,
		events:  config.EventLog,
		clock:   clock,
		metrics: MetricsOrNoop(config.Metrics),
		logger:  LoggerOrNoop(config.Logger),
	}, nil
}

// Store returns the user store the reconciler writes to.
func (r *Reconciler) Store() UserStore {
	return r.store
}

// Apply resolves and applies a normalized webhook event.
// A returned error means the event could not be processed and should be retried.
func (r *Reconciler) Apply(ctx context.Context, p Provider, ev *Event) (*Result, error) {
	if ev.Transition == TransitionUnhandled {
		r.logger.Info("unhandled webhook event",
			F("provider", p.Name()), F("event_type", ev.Type))
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	if ev.ID != "" && r.events != nil {
		seen, err := r.events.Seen(ctx, p.Name(), ev.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check event log: %w", err)
		}
		if seen {
			r.logger.Info("duplicate webhook event",
				F("provider", p.Name()), F("event_type", ev.Type), F("event_id", ev.ID))
			return &Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	res, err := r.apply(ctx, p, ev, true)
	if err != nil {
		return nil, err
	}

	if res.Outcome == OutcomeApplied && ev.ID != "" && r.events != nil {
		// The update already committed; a lost mark only costs an idempotent re-apply.
		if err := r.events.MarkSeen(ctx, p.Name(), ev.ID); err != nil {
			r.logger.Warn("failed to record webhook event",
				F("provider", p.Name()), F("event_id", ev.ID), F("error", err))
		}
	}
	return res, nil
}

// ApplyCancellation marks the user's subscription with provider as cancelled.
// It is used after an explicit cancel through the provider API and does not
// stamp the webhook audit fields.
func (r *Reconciler) ApplyCancellation(ctx context.Context, p Provider, userID string) (*Result, error) {
	ev := &Event{
		Provider:   p.Name(),
		Type:       "cancel_subscription",
		Transition: TransitionCancelled,
		Lookup:     ByUserID(userID),
	}
	return r.apply(ctx, p, ev, false)
}

func (r *Reconciler) apply(ctx context.Context, p Provider, ev *Event, fromWebhook bool) (*Result, error) {
	fields := []Field{
		F("provider", p.Name()),
		F("event_type", ev.Type),
		F("lookup", ev.Lookup.Kind.String()),
	}

	if ev.Lookup.Kind == LookupNone || strings.TrimSpace(ev.Lookup.Value) == "" {
		r.logger.Warn("webhook event carries no user reference", fields...)
		return &Result{Outcome: OutcomeMissingLookup}, nil
	}

	user, err := r.resolve(ctx, p.Name(), ev.Lookup)
	if errors.Is(err, ErrUserNotFound) {
		r.logger.Warn("no user for webhook event", append(fields, F("key", ev.Lookup.Value))...)
		return &Result{Outcome: OutcomeUserNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	var previous string
	patch := r.patchFor(p, ev, fromWebhook)
	updated, err := r.store.UpdateUser(ctx, user.ID, func(current *User) (*Patch, error) {
		previous = current.SubscriptionStatus
		return patch, nil
	})
	if errors.Is(err, ErrUserNotFound) {
		// Deleted between resolve and update.
		r.logger.Warn("user disappeared before update", append(fields, F("user_id", user.ID))...)
		return &Result{Outcome: OutcomeUserNotFound, UserID: user.ID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user %s: %w", user.ID, err)
	}

	if previous != updated.SubscriptionStatus {
		r.metrics.RecordStatusChange(p.Name(), previous, updated.SubscriptionStatus)
	}
	r.logger.Info("subscription state applied", append(fields,
		F("user_id", updated.ID),
		F("transition", ev.Transition.String()),
		F("from_status", previous),
		F("status", updated.SubscriptionStatus),
	)...)

	return &Result{
		Outcome:        OutcomeApplied,
		UserID:         updated.ID,
		PreviousStatus: previous,
		Status:         updated.SubscriptionStatus,
	}, nil
}

func (r *Reconciler) resolve(ctx context.Context, provider string, lookup Lookup) (*User, error) {
	value := strings.TrimSpace(lookup.Value)
	switch lookup.Kind {
	case LookupUserID:
		return r.store.GetUser(ctx, value)
	case LookupEmail:
		return r.store.FindUserByEmail(ctx, value)
	case LookupCustomerID:
		return r.store.FindUserByCustomerID(ctx, provider, value)
	default:
		return nil, ErrUserNotFound
	}
}

// patchFor builds the merge update for an event. Every field is a plain set,
// so applying the same event twice leaves the record unchanged.
func (r *Reconciler) patchFor(p Provider, ev *Event, fromWebhook bool) *Patch {
	now := r.clock().UTC()
	at := now
	if !ev.OccurredAt.IsZero() {
		at = ev.OccurredAt.UTC()
	}

	status := p.MapStatus(ev.Transition, ev.ProviderStatus)
	patch := &Patch{
		Provider: p.Name(),
		Status:   &status,
	}
	if ev.ProviderStatus != "" {
		patch.ProviderStatus = stringPtr(ev.ProviderStatus)
	}

	switch ev.Transition {
	case TransitionActivated:
		if ev.CustomerID != "" {
			patch.CustomerID = stringPtr(ev.CustomerID)
		}
		if ev.SubscriptionID != "" {
			patch.SubscriptionID = stringPtr(ev.SubscriptionID)
		}
		patch.UpgradedAt = &at
	case TransitionCancelled:
		patch.CancelledAt = &at
	case TransitionUpdated:
		if ev.SubscriptionID != "" {
			patch.SubscriptionID = stringPtr(ev.SubscriptionID)
		}
	}

	if fromWebhook {
		patch.LastWebhookEvent = stringPtr(ev.Type)
		patch.LastWebhookAt = &now
	}
	return patch
}

func stringPtr(s string) *string {
	return &s
}

// Package firestore provides a Firestore implementation of billing.UserStore and billing.EventLog.
// User records live in the "users" collection keyed by user id; billing only merges the fields it owns.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// Storage implements billing.UserStore and billing.EventLog using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	usersCollection  string
	eventsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the collection holding user documents
	// Default: "users"
	UsersCollection string

	// EventsCollection is the collection recording applied webhook events
	// Default: "billing_webhook_events"
	EventsCollection string
}

var (
	_ billing.UserStore = (*Storage)(nil)
	_ billing.EventLog  = (*Storage)(nil)
)

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}

	return &Storage{
		client:           client,
		usersCollection:  config.UsersCollection,
		eventsCollection: config.EventsCollection,
	}, nil
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	if userID == "" {
		return nil, billing.ErrUserNotFound
	}
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrUserNotFound
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	return s.findFirst(ctx, billing.FieldEmail, email)
}

// FindUserByCustomerID implements billing.UserStore
func (s *Storage) FindUserByCustomerID(ctx context.Context, provider, customerID string) (*billing.User, error) {
	return s.findFirst(ctx, billing.CustomerIDField(provider), customerID)
}

// findFirst returns the first document, in document id order, whose field equals value.
func (s *Storage) findFirst(ctx context.Context, field, value string) (*billing.User, error) {
	if value == "" {
		return nil, billing.ErrUserNotFound
	}

	iter := s.client.Collection(s.usersCollection).Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users by %s: %w", field, err)
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// UpdateUser implements billing.UserStore. The read and the merge write run in
// one Firestore transaction, which Firestore retries on contention.
func (s *Storage) UpdateUser(
	ctx context.Context, userID string, update func(*billing.User) (*billing.Patch, error),
) (*billing.User, error) {
	if userID == "" {
		return nil, billing.ErrUserNotFound
	}
	doc := s.client.Collection(s.usersCollection).Doc(userID)

	var result *billing.User
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrUserNotFound
			}
			return err
		}

		user := userFromData(userID, snap.Data())
		patch, err := update(user)
		if err != nil {
			return err
		}
		if patch == nil || patch.IsEmpty() {
			result = user
			return nil
		}

		if err := tx.Set(doc, patch.Fields(), firestore.MergeAll); err != nil {
			return err
		}
		patch.Apply(user)
		result = user
		return nil
	})
	if errors.Is(err, billing.ErrUserNotFound) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return result, nil
}

// Seen implements billing.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	_, err := s.eventDoc(provider, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return true, nil
}

// MarkSeen implements billing.EventLog
func (s *Storage) MarkSeen(ctx context.Context, provider, eventID string) error {
	_, err := s.eventDoc(provider, eventID).Set(ctx, map[string]interface{}{
		"provider":    provider,
		"eventId":     eventID,
		"processedAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *Storage) eventDoc(provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(provider + ":" + eventID)
}

func userFromData(id string, data map[string]interface{}) *billing.User {
	return &billing.User{
		ID:                 id,
		Email:              getString(data, billing.FieldEmail),
		SubscriptionStatus: getString(data, billing.FieldSubscriptionStatus),
		IsPremium:          getBool(data, billing.FieldIsPremium),

		StripeCustomerID:     getString(data, billing.CustomerIDField(billing.ProviderStripe)),
		StripeSubscriptionID: getString(data, billing.SubscriptionIDField(billing.ProviderStripe)),
		StripeStatus:         getString(data, billing.ProviderStatusField(billing.ProviderStripe)),

		LemonSqueezyCustomerID:     getString(data, billing.CustomerIDField(billing.ProviderLemonSqueezy)),
		LemonSqueezySubscriptionID: getString(data, billing.SubscriptionIDField(billing.ProviderLemonSqueezy)),
		LemonSqueezyStatus:         getString(data, billing.ProviderStatusField(billing.ProviderLemonSqueezy)),

		UpgradedAt:       getTimePtr(data, billing.FieldUpgradedAt),
		CancelledAt:      getTimePtr(data, billing.FieldCancelledAt),
		LastWebhookEvent: getString(data, billing.FieldLastWebhookEvent),
		LastWebhookAt:    getTimePtr(data, billing.FieldLastWebhookAt),
	}
}

// Helper functions

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key].(bool); ok {
		return val
	}
	return false
}

// getTimePtr reads a Timestamp field. Records written by the earlier
// functions hold ISO-8601 strings for the same fields; those are parsed too.
func getTimePtr(data map[string]interface{}, key string) *time.Time {
	var t time.Time
	switch val := data[key].(type) {
	case time.Time:
		t = val
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return nil
		}
		t = parsed
	default:
		return nil
	}
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

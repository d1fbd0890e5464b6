package billing

import "context"

// UserStore is the user-record store billing reconciles against.
// Implementations: storage/memory, storage/firestore, storage/postgres.
type UserStore interface {
	// GetUser returns the user with the given id or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserByEmail returns the first user (in the store's default order)
	// whose email equals email, or ErrUserNotFound.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByCustomerID returns the first user whose stored customer id
	// for provider equals customerID, or ErrUserNotFound.
	FindUserByCustomerID(ctx context.Context, provider, customerID string) (*User, error)

	// UpdateUser reads the user and merges the patch returned by update in one
	// transaction keyed by userID. A nil patch writes nothing. Returns the record
	// as stored after the update, or ErrUserNotFound.
	UpdateUser(ctx context.Context, userID string, update func(current *User) (*Patch, error)) (*User, error)
}

// EventLog remembers applied webhook deliveries so retries of an already
// applied event are acknowledged without being re-applied.
type EventLog interface {
	// Seen reports whether the event was already applied.
	Seen(ctx context.Context, provider, eventID string) (bool, error)

	// MarkSeen records the event as applied.
	MarkSeen(ctx context.Context, provider, eventID string) error
}

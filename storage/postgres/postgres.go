// Package postgres provides a PostgreSQL implementation of billing.UserStore and billing.EventLog.
// Updates run in a transaction that holds the user row with SELECT FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

//go:embed schema.sql
var schema string

// Storage implements billing.UserStore and billing.EventLog using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var (
	_ billing.UserStore = (*Storage)(nil)
	_ billing.EventLog  = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// EventTTL bounds how long applied webhook events are remembered by Cleanup.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// columns maps user document field names to table columns.
var columns = map[string]string{
	billing.FieldEmail:              "email",
	billing.FieldSubscriptionStatus: "subscription_status",
	billing.FieldIsPremium:          "is_premium",
	billing.FieldUpgradedAt:         "upgraded_at",
	billing.FieldCancelledAt:        "cancelled_at",
	billing.FieldLastWebhookEvent:   "last_webhook_event",
	billing.FieldLastWebhookAt:      "last_webhook_at",

	billing.CustomerIDField(billing.ProviderStripe):           "stripe_customer_id",
	billing.SubscriptionIDField(billing.ProviderStripe):       "stripe_subscription_id",
	billing.ProviderStatusField(billing.ProviderStripe):       "stripe_status",
	billing.CustomerIDField(billing.ProviderLemonSqueezy):     "lemon_squeezy_customer_id",
	billing.SubscriptionIDField(billing.ProviderLemonSqueezy): "lemon_squeezy_subscription_id",
	billing.ProviderStatusField(billing.ProviderLemonSqueezy): "lemon_squeezy_status",
}

const selectUser = `SELECT id, COALESCE(email, ''), subscription_status, is_premium,
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''), COALESCE(stripe_status, ''),
	COALESCE(lemon_squeezy_customer_id, ''), COALESCE(lemon_squeezy_subscription_id, ''),
	COALESCE(lemon_squeezy_status, ''),
	upgraded_at, cancelled_at, COALESCE(last_webhook_event, ''), last_webhook_at
	FROM users`

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables billing needs if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUser implements billing.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE id = $1`, userID))
	if err != nil {
		return nil, wrapNotFound(err, "failed to get user")
	}
	return user, nil
}

// FindUserByEmail implements billing.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	return s.findFirst(ctx, billing.FieldEmail, email)
}

// FindUserByCustomerID implements billing.UserStore
func (s *Storage) FindUserByCustomerID(ctx context.Context, provider, customerID string) (*billing.User, error) {
	return s.findFirst(ctx, billing.CustomerIDField(provider), customerID)
}

func (s *Storage) findFirst(ctx context.Context, field, value string) (*billing.User, error) {
	column, ok := columns[field]
	if !ok || value == "" {
		return nil, billing.ErrUserNotFound
	}
	query := selectUser + ` WHERE ` + column + ` = $1 ORDER BY id LIMIT 1`
	user, err := scanUser(s.pool.QueryRow(ctx, query, value))
	if err != nil {
		return nil, wrapNotFound(err, "failed to find user by "+field)
	}
	return user, nil
}

// UpdateUser implements billing.UserStore
func (s *Storage) UpdateUser(
	ctx context.Context, userID string, update func(*billing.User) (*billing.Patch, error),
) (*billing.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx, selectUser+` WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, wrapNotFound(err, "failed to lock user")
	}

	patch, err := update(user)
	if err != nil {
		return nil, err
	}
	if patch == nil || patch.IsEmpty() {
		return user, nil
	}

	query, args, err := updateStatement(userID, patch.Fields())
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	patch.Apply(user)
	return user, nil
}

// updateStatement builds an UPDATE for the given fields in stable column order.
func updateStatement(userID string, fields map[string]interface{}) (string, []interface{}, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]interface{}, 0, len(names)+1)
	for _, name := range names {
		column, ok := columns[name]
		if !ok {
			return "", nil, fmt.Errorf("no column for field %q", name)
		}
		args = append(args, fields[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	args = append(args, userID)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args, nil
}

// Seen implements billing.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// MarkSeen implements billing.EventLog
func (s *Storage) MarkSeen(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_webhook_events (provider, event_id) VALUES ($1, $2)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// Cleanup deletes webhook events older than EventTTL.
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.EventTTL <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	if _, err := s.pool.Exec(ctx, `DELETE FROM billing_webhook_events WHERE processed_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*billing.User, error) {
	var u billing.User
	err := row.Scan(
		&u.ID, &u.Email, &u.SubscriptionStatus, &u.IsPremium,
		&u.StripeCustomerID, &u.StripeSubscriptionID, &u.StripeStatus,
		&u.LemonSqueezyCustomerID, &u.LemonSqueezySubscriptionID, &u.LemonSqueezyStatus,
		&u.UpgradedAt, &u.CancelledAt, &u.LastWebhookEvent, &u.LastWebhookAt,
	)
	if err != nil {
		return nil, err
	}
	utc(&u.UpgradedAt)
	utc(&u.CancelledAt)
	utc(&u.LastWebhookAt)
	return &u, nil
}

func utc(t **time.Time) {
	if *t != nil {
		v := (*t).UTC()
		*t = &v
	}
}

func wrapNotFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Package redis provides a Redis implementation of billing.EventLog.
// Applied webhook event ids are kept as expiring keys so redeliveries within
// the retention window are acknowledged without being re-applied.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// Storage implements billing.EventLog using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

var _ billing.EventLog = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billing:")
	KeyPrefix string

	// EventTTL is how long an applied event id is remembered (default: 30 days).
	// Stripe stops redelivering after three days.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billing:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis event log
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.EventTTL <= 0 {
		config.EventTTL = defaults.EventTTL
	}

	return &Storage{client: client, config: config}, nil
}

// Seen implements billing.EventLog
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return n > 0, nil
}

// MarkSeen implements billing.EventLog
func (s *Storage) MarkSeen(ctx context.Context, provider, eventID string) error {
	processedAt := time.Now().UTC().Format(time.RFC3339)
	if err := s.client.SetNX(ctx, s.eventKey(provider, eventID), processedAt, s.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *Storage) eventKey(provider, eventID string) string {
	return fmt.Sprintf("%swebhook:%s:%s", s.config.KeyPrefix, provider, eventID)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

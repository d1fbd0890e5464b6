// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

type Config struct {
	Port      string
	SiteURL   string
	LogLevel  string
	LogFormat string

	Store                        string
	FirebaseProjectID            string
	FirebaseServiceAccountBase64 string
	UsersCollection              string
	DatabaseURL                  string
	RedisURL                     string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	LemonSqueezyAPIKey        string
	LemonSqueezyWebhookSecret string

	RequireWebhookSignature bool
	MetricsNamespace        string
}

// Load reads the given .env files (".env" when none are named) and then the
// process environment. Missing files are not an error; variables already set
// in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	requireSig, err := getBool("REQUIRE_WEBHOOK_SIGNATURE", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		SiteURL:   getEnv("SITE_URL", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Store:                        strings.ToLower(getEnv("STORE", StoreFirestore)),
		FirebaseProjectID:            getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseServiceAccountBase64: getEnv("FIREBASE_SERVICE_ACCOUNT_BASE64", ""),
		UsersCollection:              getEnv("USERS_COLLECTION", "users"),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		RedisURL:                     getEnv("REDIS_URL", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:       getEnv("STRIPE_PRICE_ID", ""),

		LemonSqueezyAPIKey:        getEnv("LEMONSQUEEZY_API_KEY", ""),
		LemonSqueezyWebhookSecret: getEnv("LEMONSQUEEZY_WEBHOOK_SECRET", ""),

		RequireWebhookSignature: requireSig,
		MetricsNamespace:        getEnv("METRICS_NAMESPACE", "functions"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected store has what it needs to connect.
// Provider credentials are optional: a provider without them answers its
// endpoints with a configuration error.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreFirestore:
		if c.FirebaseProjectID == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

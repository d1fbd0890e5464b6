package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE", "memory")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "users", cfg.UsersCollection)
	assert.Equal(t, "functions", cfg.MetricsNamespace)
	assert.True(t, cfg.RequireWebhookSignature)
}

func TestLoad_FromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"STORE=postgres\n"+
			"DATABASE_URL=postgres://localhost/app\n"+
			"STRIPE_PRICE_ID=price_123\n"+
			"REQUIRE_WEBHOOK_SIGNATURE=false\n"), 0o600))

	// godotenv does not override variables that are already set.
	t.Setenv("STRIPE_PRICE_ID", "price_env")
	t.Cleanup(func() {
		for _, k := range []string{"STORE", "DATABASE_URL", "REQUIRE_WEBHOOK_SIGNATURE"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/app", cfg.DatabaseURL)
	assert.Equal(t, "price_env", cfg.StripePriceID)
	assert.False(t, cfg.RequireWebhookSignature)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store", env: map[string]string{"STORE": "mongo"}},
		{name: "firestore without project", env: map[string]string{"STORE": "firestore", "FIREBASE_PROJECT_ID": ""}},
		{name: "postgres without url", env: map[string]string{"STORE": "postgres", "DATABASE_URL": ""}},
		{name: "bad bool", env: map[string]string{"STORE": "memory", "REQUIRE_WEBHOOK_SIGNATURE": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

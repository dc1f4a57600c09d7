package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 30, cfg.ChatMaxLength)
	assert.Equal(t, 60*time.Second, cfg.ChatTTL)
	assert.Equal(t, 5, cfg.ChatThrottleThreshold)
	assert.Equal(t, 10*time.Second, cfg.ChatThrottleCooldown)
	assert.Equal(t, 4, cfg.IDDigits)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CHAT_THROTTLE_THRESHOLD", "3")
	t.Setenv("CHAT_THROTTLE_COOLDOWN", "2s")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.0/8 , ,127.0.0.1")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ChatThrottleThreshold)
	assert.Equal(t, 2*time.Second, cfg.ChatThrottleCooldown)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
	assert.Len(t, cfg.AllowedOrigins, 2)
}

func TestStoreBackendPrecedence(t *testing.T) {
	cfg := &Config{RedisURL: "redis://localhost:6379", DatabaseURL: "postgres://x"}
	assert.Equal(t, BackendRedis, cfg.StoreBackend())

	cfg.RedisURL = ""
	assert.Equal(t, BackendPostgres, cfg.StoreBackend())

	cfg.DatabaseURL = ""
	assert.Equal(t, BackendSQLite, cfg.StoreBackend())
}

func TestProductionRequirements(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ADMIN_TOKEN_HASH", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL or DATABASE_URL")
	assert.Contains(t, err.Error(), "ADMIN_TOKEN_HASH")

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("ADMIN_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CHAT_MAX_LENGTH", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_MAX_LENGTH")
}

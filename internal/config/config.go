package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends selected by StoreBackend.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Env            string   `env:"ENV" envDefault:"development"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/plaza.db"`

	// bcrypt hash of the admin token; see cmd/hashtoken
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	// Chat
	ChatMaxLength         int           `env:"CHAT_MAX_LENGTH" envDefault:"30"`
	ChatTTL               time.Duration `env:"CHAT_TTL" envDefault:"60s"`
	ChatThrottleThreshold int           `env:"CHAT_THROTTLE_THRESHOLD" envDefault:"5"`
	ChatThrottleCooldown  time.Duration `env:"CHAT_THROTTLE_COOLDOWN" envDefault:"10s"`
	ChatReapInterval      time.Duration `env:"CHAT_REAP_INTERVAL" envDefault:"30s"`

	// Avatar defaults for new sessions
	WorldWidth  int `env:"WORLD_WIDTH" envDefault:"800"`
	HairStyles  int `env:"HAIR_STYLES" envDefault:"5"`
	DressStyles int `env:"DRESS_STYLES" envDefault:"5"`
	IDDigits    int `env:"ID_DIGITS" envDefault:"4"`

	// WebSocket
	WSPingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSMaxMessageBytes int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"4096"`
	WSSendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"64"`

	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`

	// Rate limiting
	RateLimitWhitelist []string `env:"RATE_LIMIT_WHITELIST"` // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     `env:"AUTO_BLOCK_ENABLED" envDefault:"false"`

	// Tracing
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it returns an error listing every missing requirement.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.RateLimitWhitelist = trimEntries(cfg.RateLimitWhitelist)
	cfg.AllowedOrigins = trimEntries(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and the production requirements.
func (c *Config) Validate() error {
	var problems []string

	if c.ChatMaxLength <= 0 {
		problems = append(problems, "CHAT_MAX_LENGTH must be positive")
	}
	if c.ChatTTL <= 0 {
		problems = append(problems, "CHAT_TTL must be positive")
	}
	if c.ChatThrottleThreshold <= 0 {
		problems = append(problems, "CHAT_THROTTLE_THRESHOLD must be positive")
	}
	if c.ChatThrottleCooldown <= 0 {
		problems = append(problems, "CHAT_THROTTLE_COOLDOWN must be positive")
	}
	if c.WorldWidth <= 0 || c.HairStyles <= 0 || c.DressStyles <= 0 {
		problems = append(problems, "WORLD_WIDTH, HAIR_STYLES and DRESS_STYLES must be positive")
	}
	if c.IDDigits <= 0 || c.IDDigits > 18 {
		problems = append(problems, "ID_DIGITS must be between 1 and 18")
	}
	if c.WSSendBuffer <= 0 {
		problems = append(problems, "WS_SEND_BUFFER must be positive")
	}

	if c.IsProduction() {
		if c.StoreBackend() == BackendSQLite {
			problems = append(problems, "REDIS_URL or DATABASE_URL is required in production")
		}
		if c.AdminTokenHash == "" {
			problems = append(problems, "ADMIN_TOKEN_HASH is required in production")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// StoreBackend picks the state store: Redis, then Postgres, then SQLite.
func (c *Config) StoreBackend() string {
	switch {
	case c.RedisURL != "":
		return BackendRedis
	case c.DatabaseURL != "":
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func trimEntries(entries []string) []string {
	out := entries[:0]
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Package config loads PubSub core configuration from environment variables,
// validates it, and exposes derived values (DSNs, durations) to the rest of
// the service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable named in spec.md §6 External Interfaces.
type Config struct {
	// HTTP / WebSocket
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Database
	DBHost         string        `env:"DB_HOST" envDefault:"localhost"`
	DBPort         int           `env:"DB_PORT" envDefault:"5432"`
	DBUser         string        `env:"DB_USER" envDefault:"pubsub"`
	DBPassword     string        `env:"DB_PASSWORD"`
	DBName         string        `env:"DB_NAME" envDefault:"pubsub"`
	DBSSLMode      string        `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLife  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	DBConnMaxIdle  time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
	DBCallTimeout  time.Duration `env:"DB_CALL_TIMEOUT" envDefault:"5s"`
	DBStartupRetry time.Duration `env:"DB_STARTUP_RETRY_BUDGET" envDefault:"30s"`

	// Token verification
	TokenSigningSecret string `env:"TOKEN_SIGNING_SECRET"`

	// Notify Listener (C5)
	ListenChannel        string        `env:"LISTEN_CHANNEL" envDefault:"entity_changes"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"5s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_ATTEMPT_CEILING" envDefault:"10"`

	// Poll Watcher (C6)
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	PollInitDelay time.Duration `env:"POLL_INITIAL_DELAY" envDefault:"5s"`
	PollBatchSize int           `env:"POLL_BATCH_SIZE" envDefault:"1000"`

	// Gateway (C8) / Connection Manager (C2)
	TokenExpiryWarnWindow time.Duration `env:"TOKEN_EXPIRY_WARN_WINDOW" envDefault:"300s"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatMissedLimit  int           `env:"HEARTBEAT_MISSED_LIMIT" envDefault:"3"`
	OutboundByteCap       int           `env:"OUTBOUND_BYTE_CAP" envDefault:"1048576"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`

	// Subscription Registry (C3) stale sweep
	StaleSubscriptionWindow time.Duration `env:"STALE_SUBSCRIPTION_WINDOW" envDefault:"24h"`
}

// Load reads Config from the process environment, applying defaults, then
// validates it. Mirrors the teacher's LoadConfigFromEnv + Validate split so
// failures are reported before any component starts.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that env tags alone cannot express.
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.TokenSigningSecret == "" {
		return fmt.Errorf("TOKEN_SIGNING_SECRET is required")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)", c.DBMaxIdleConns, c.DBMaxOpenConns)
	}
	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPT_CEILING must be at least 1")
	}
	if c.PollBatchSize < 1 {
		return fmt.Errorf("POLL_BATCH_SIZE must be at least 1")
	}
	return nil
}

// DSN builds a libpq-style connection string for pgx.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// Package config loads service configuration from the environment, with an
// optional .env file for development. Priority: ENV vars > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized option. Defaults mirror the documented
// operational defaults; all durations are parsed by time.ParseDuration.
type Config struct {
	// HTTP surface
	Addr           string `env:"SZ_ADDR" envDefault:":8080"`
	MaxConnections int    `env:"SZ_MAX_WS_CONNECTIONS" envDefault:"500"`

	// Connection rate limiting (WebSocket admission)
	ConnRateLimitPerIP  float64 `env:"SZ_CONN_RATE_IP" envDefault:"5"`
	ConnRateBurstPerIP  int     `env:"SZ_CONN_BURST_IP" envDefault:"10"`
	ConnRateLimitGlobal float64 `env:"SZ_CONN_RATE_GLOBAL" envDefault:"100"`
	ConnRateBurstGlobal int     `env:"SZ_CONN_BURST_GLOBAL" envDefault:"200"`

	// Broker
	BrokerMode       string        `env:"SZ_BROKER_MODE" envDefault:"nats"` // nats, memory
	NATSUrl          string        `env:"SZ_NATS_URL" envDefault:"nats://localhost:4222"`
	HandlerBudget    time.Duration `env:"SZ_HANDLER_BUDGET" envDefault:"2s"`
	OutboundCap      int           `env:"SZ_OUTBOUND_CAP" envDefault:"1024"`
	ReconnectBase    time.Duration `env:"SZ_RECONNECT_BASE" envDefault:"500ms"`
	ReconnectCap     time.Duration `env:"SZ_RECONNECT_CAP" envDefault:"30s"`
	HealthGrace      time.Duration `env:"SZ_HEALTH_GRACE" envDefault:"10s"`

	// Store
	DBDriver     string        `env:"SZ_DB_DRIVER" envDefault:"sqlite3"` // sqlite3, pgx
	DBDSN        string        `env:"SZ_DB_DSN" envDefault:"file:signalzero.db?_foreign_keys=on"`
	StoreTimeout time.Duration `env:"SZ_STORE_OP_TIMEOUT" envDefault:"500ms"`

	// Orchestrator
	AgentTimeout   time.Duration `env:"SZ_AGENT_TIMEOUT" envDefault:"5s"`
	DemoMode       bool          `env:"SZ_DEMO_MODE" envDefault:"false"`
	DemoLatencyMin time.Duration `env:"SZ_DEMO_LATENCY_MIN" envDefault:"200ms"`
	DemoLatencyMax time.Duration `env:"SZ_DEMO_LATENCY_MAX" envDefault:"1500ms"`
	DrainBudget    time.Duration `env:"SZ_DRAIN_BUDGET" envDefault:"10s"`

	// Worker pool draining broker handlers
	WorkerCount     int `env:"SZ_WORKER_COUNT" envDefault:"8"`
	WorkerQueueSize int `env:"SZ_WORKER_QUEUE_SIZE" envDefault:"1024"`

	// Push bus
	SubscriberCap int `env:"SZ_PUSH_SUBSCRIBER_CAP" envDefault:"256"`

	// Usage limits per tier; ENTERPRISE is unbounded and has no knob.
	LimitPublic   int `env:"SZ_LIMIT_PUBLIC" envDefault:"0"`
	LimitFree     int `env:"SZ_LIMIT_FREE" envDefault:"3"`
	LimitPro      int `env:"SZ_LIMIT_PRO" envDefault:"100"`
	LimitBusiness int `env:"SZ_LIMIT_BUSINESS" envDefault:"1000"`

	// Auth identity. When set, bearer tokens are verified and the sub claim
	// becomes the user id; otherwise the X-User-ID header is trusted as-is.
	JWTSecret string `env:"SZ_JWT_SECRET" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enum fields.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SZ_ADDR is required")
	}
	switch c.BrokerMode {
	case "nats", "memory":
	default:
		return fmt.Errorf("SZ_BROKER_MODE must be nats or memory (got: %s)", c.BrokerMode)
	}
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("SZ_DB_DRIVER must be sqlite3 or pgx (got: %s)", c.DBDriver)
	}
	if c.OutboundCap < 1 {
		return fmt.Errorf("SZ_OUTBOUND_CAP must be > 0, got %d", c.OutboundCap)
	}
	if c.SubscriberCap < 1 {
		return fmt.Errorf("SZ_PUSH_SUBSCRIBER_CAP must be > 0, got %d", c.SubscriberCap)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("SZ_AGENT_TIMEOUT must be positive, got %s", c.AgentTimeout)
	}
	if c.DemoLatencyMin > c.DemoLatencyMax {
		return fmt.Errorf("SZ_DEMO_LATENCY_MIN (%s) must be <= SZ_DEMO_LATENCY_MAX (%s)",
			c.DemoLatencyMin, c.DemoLatencyMax)
	}
	if c.LimitPublic < 0 || c.LimitFree < 0 || c.LimitPro < 0 || c.LimitBusiness < 0 {
		return fmt.Errorf("tier limits must be >= 0")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("SZ_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("broker_mode", c.BrokerMode).
		Str("nats_url", c.NATSUrl).
		Str("db_driver", c.DBDriver).
		Dur("agent_timeout", c.AgentTimeout).
		Bool("demo_mode", c.DemoMode).
		Int("outbound_cap", c.OutboundCap).
		Int("subscriber_cap", c.SubscriberCap).
		Int("max_ws_connections", c.MaxConnections).
		Dur("drain_budget", c.DrainBudget).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

type Config struct {
	Port            int    `env:"PORT" envDefault:"8080"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	NodeID          string `env:"NODE_ID"`
	StoreBackend    string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL        string `env:"REDIS_URL"`
	DatabaseURL     string `env:"DATABASE_URL"`
	AdminAPIKeyHash string `env:"ADMIN_API_KEY_HASH"`

	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"45s"`
	ReapInterval     time.Duration `env:"REAP_INTERVAL" envDefault:"15s"`

	FanoutWorkers int           `env:"FANOUT_WORKERS" envDefault:"32"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"2s"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"50ms"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"2s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryJitter       float64       `env:"RETRY_JITTER" envDefault:"0.2"`

	BroadcastRateLimitPerMin int `env:"BROADCAST_RATE_LIMIT_PER_MIN" envDefault:"120"`

	PresenceHistoryRetention time.Duration `env:"PRESENCE_HISTORY_RETENTION" envDefault:"720h"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) UsesRedis() bool {
	return c.StoreBackend == StoreBackendRedis
}

// MinHeartbeatTimeout is the longest a healthy client can go without
// refreshing last_seen.
func MinHeartbeatTimeout() time.Duration {
	return max(WSPingInterval, SSEKeepaliveInterval)
}

func (c *Config) Validate(isProduction bool) error {
	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendMemory, StoreBackendRedis, c.StoreBackend)
	}

	if c.AdminAPIKeyHash != "" {
		if !strings.HasPrefix(c.AdminAPIKeyHash, "$2a$") &&
			!strings.HasPrefix(c.AdminAPIKeyHash, "$2b$") &&
			!strings.HasPrefix(c.AdminAPIKeyHash, "$2y$") {
			return fmt.Errorf("ADMIN_API_KEY_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <key>)")
		}
	}

	// Clients only prove liveness once per ping or keepalive interval.
	if minTimeout := MinHeartbeatTimeout(); c.HeartbeatTimeout <= minTimeout {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be greater than %s", minTimeout)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be positive")
	}
	// Peers judge a node silent by its last sweep.
	if c.ReapInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("REAP_INTERVAL must be shorter than HEARTBEAT_TIMEOUT")
	}
	if c.FanoutWorkers < 1 {
		return fmt.Errorf("FANOUT_WORKERS must be at least 1")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1")
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1)")
	}
	if c.DatabaseURL != "" && c.PresenceHistoryRetention <= 0 {
		return fmt.Errorf("PRESENCE_HISTORY_RETENTION must be positive")
	}

	if isProduction {
		if c.AdminAPIKeyHash == "" {
			log.Warn().Msg("ADMIN_API_KEY_HASH is empty in production: admin API is disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.StoreBackend == StoreBackendMemory {
			log.Warn().Msg("STORE_BACKEND=memory in production: presence state is lost on restart and not shared between nodes")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

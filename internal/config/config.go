package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/batchsync/internal/batch"
)

// Config holds all configuration for the batchsync server and poller.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	OpenAI   OpenAIConfig
	Backoff  BackoffConfig
	Poller   PollerConfig
	NATS     NATSConfig
	Mongo    MongoConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	Timeout          time.Duration
	Endpoint         string
	CompletionWindow string
}

type BackoffConfig struct {
	Base        time.Duration
	MaxAttempts int
}

type PollerConfig struct {
	Concurrency  int
	Interval     time.Duration
	StatusTTL    time.Duration
	CycleTimeout time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type MongoConfig struct {
	ConnectTimeout time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BATCHSYNC_PORT", 8080),
			Env:  envString("BATCHSYNC_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		OpenAI: OpenAIConfig{
			APIKey:           os.Getenv("OPENAI_API_KEY"),
			BaseURL:          envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Timeout:          envDuration("OPENAI_TIMEOUT", 60*time.Second),
			Endpoint:         envString("BATCH_ENDPOINT", "/v1/chat/completions"),
			CompletionWindow: envString("BATCH_COMPLETION_WINDOW", "24h"),
		},
		Backoff: BackoffConfig{
			Base:        envDuration("BACKOFF_BASE", time.Second),
			MaxAttempts: envInt("BACKOFF_MAX_ATTEMPTS", 3),
		},
		Poller: PollerConfig{
			Concurrency:  envInt("POLLER_CONCURRENCY", 4),
			Interval:     envDuration("POLL_INTERVAL", 0),
			StatusTTL:    envDuration("JOB_STATUS_TTL", 24*time.Hour),
			CycleTimeout: envDuration("POLLER_CYCLE_TIMEOUT", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "batchsync.jobs"),
		},
		Mongo: MongoConfig{
			ConnectTimeout: envDuration("MONGO_CONNECT_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if !strings.HasPrefix(c.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.OpenAI.BaseURL, "https://") {
		return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.OpenAI.BaseURL)
	}
	if !batch.SupportedEndpoint(c.OpenAI.Endpoint) {
		return fmt.Errorf("BATCH_ENDPOINT must be one of /v1/chat/completions, /v1/responses, /v1/embeddings, /v1/completions; got %q", c.OpenAI.Endpoint)
	}

	if c.Backoff.Base <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive, got %s", c.Backoff.Base)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("BACKOFF_MAX_ATTEMPTS must be at least 1, got %d", c.Backoff.MaxAttempts)
	}

	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("POLLER_CONCURRENCY must be at least 1, got %d", c.Poller.Concurrency)
	}
	// Each poller worker holds a connection while it transitions or ingests a
	// job; one more is left for the API.
	if c.Database.MaxOpenConns <= c.Poller.Concurrency {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS (%d) must exceed POLLER_CONCURRENCY (%d)",
			c.Database.MaxOpenConns, c.Poller.Concurrency)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DATABASE_MAX_IDLE_CONNS (%d) must not exceed DATABASE_MAX_OPEN_CONNS (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Poller.Interval < 0 {
		return fmt.Errorf("POLL_INTERVAL must not be negative, got %s", c.Poller.Interval)
	}

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

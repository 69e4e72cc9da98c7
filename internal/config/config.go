package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds notification-relay configuration loaded from the environment.
// Both cmd/ingress and cmd/worker load the same struct and read whichever
// fields apply to their role.
type Config struct {
	AppName     string
	LogLevel    string
	NodeEnv     string
	Port        string
	MetricsAddr string

	BrokerURL string
	StoreURL  string

	DatabaseURL string

	RateLimitQuota         int
	RateLimitWindowSeconds int
	IdempotencyTTLSeconds  int

	MaxRetries  int
	RetryBaseMS int

	WorkerPrefetch int
	WorkerCount    int

	ForceFailure bool

	// Per-call timeouts bound every external call (store, broker, sender)
	// so a hung dependency surfaces as the caller's existing retriable/
	// infra-error classification instead of blocking indefinitely (§5).
	RedisCallTimeout    time.Duration
	DatabaseCallTimeout time.Duration
	BrokerCallTimeout   time.Duration
	SenderTimeout       time.Duration
}

// Load loads configuration and performs basic validation.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:     getEnv("APP_NAME", "notify-relay"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		NodeEnv:     getEnv("NODE_ENV", "development"),
		Port:        getEnv("PORT", "3000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9092"),

		BrokerURL: getEnv("BROKER_URL", ""),
		StoreURL:  getEnv("STORE_URL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RateLimitQuota:         getEnvAsInt("RATE_LIMIT_QUOTA", 50),
		RateLimitWindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 3600),
		IdempotencyTTLSeconds:  getEnvAsInt("IDEMPOTENCY_TTL", 86400),

		MaxRetries:  getEnvAsInt("MAX_RETRIES", 5),
		RetryBaseMS: getEnvAsInt("RETRY_BASE_MS", 1000),

		WorkerPrefetch: getEnvAsInt("WORKER_PREFETCH", 10),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),

		ForceFailure: getEnvAsBool("FORCE_FAILURE", false),

		RedisCallTimeout:    getEnvAsDuration("REDIS_CALL_TIMEOUT", 2*time.Second),
		DatabaseCallTimeout: getEnvAsDuration("DATABASE_CALL_TIMEOUT", 2*time.Second),
		BrokerCallTimeout:   getEnvAsDuration("BROKER_CALL_TIMEOUT", 5*time.Second),
		SenderTimeout:       getEnvAsDuration("SENDER_TIMEOUT", 10*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BrokerURL == "" {
		missing = append(missing, "BROKER_URL")
	}
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.NodeEnv != "development" && c.NodeEnv != "production" {
		return fmt.Errorf("invalid NODE_ENV %q: must be development or production", c.NodeEnv)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func getEnv(key, def string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return value
}

func getEnvAsInt(key string, def int) int {
	if value, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid int for %s, using default %d: %v", key, def, err)
			return def
		}
		return i
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("invalid duration for %s, using default %s: %v", key, def, err)
			return def
		}
		return d
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid bool for %s, using default %t: %v", key, def, err)
			return def
		}
		return b
	}
	return def
}

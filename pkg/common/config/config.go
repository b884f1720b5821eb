package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrLockTimeoutTooShort = errors.New("lock timeout must exceed provider call timeout")

type Config struct {
	// Server
	ServerHost     string
	AdminAPIPort   string
	MetricsPort    string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers    []string
	KafkaGroupID    string
	SubmissionTopic string

	// Coordination
	WorkerID          string
	WorkerConcurrency int
	LockTimeout       time.Duration
	CallTimeout       time.Duration
	ReaperInterval    time.Duration

	// Retry scheduling
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryContentionDelay time.Duration
	RetryPollInterval    time.Duration
	RetryQueueKey        string

	// Classification
	ClassifierRulesPath string

	// Provider
	ProviderBaseURL      string
	ProviderClientID     string
	ProviderClientSecret string
	ProviderTokenURL     string
}

func Load() *Config {
	return &Config{
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		AdminAPIPort:   getEnv("ADMIN_API_PORT", "8080"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 100),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "stamping"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "stamping"),
		PostgresDB:       getEnv("POSTGRES_DB", "stamping"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "stamping-workers"),
		SubmissionTopic: getEnv("SUBMISSION_TOPIC", "stamping-submissions"),

		WorkerID:          getEnv("WORKER_ID", ""),
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 4),
		LockTimeout:       getDuration("LOCK_TIMEOUT", 5*time.Minute),
		CallTimeout:       getDuration("PROVIDER_CALL_TIMEOUT", 2*time.Minute),
		ReaperInterval:    getDuration("REAPER_INTERVAL", time.Minute),

		RetryMaxAttempts:     getIntEnv("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:       getDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:        getDuration("RETRY_MAX_DELAY", 5*time.Minute),
		RetryContentionDelay: getDuration("RETRY_CONTENTION_DELAY", 15*time.Second),
		RetryPollInterval:    getDuration("RETRY_POLL_INTERVAL", time.Second),
		RetryQueueKey:        getEnv("RETRY_QUEUE_KEY", "stamping:retry"),

		ClassifierRulesPath: getEnv("CLASSIFIER_RULES_PATH", ""),

		ProviderBaseURL:      getEnv("PROVIDER_BASE_URL", "http://localhost:8181"),
		ProviderClientID:     getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderClientSecret: getEnv("PROVIDER_CLIENT_SECRET", ""),
		ProviderTokenURL:     getEnv("PROVIDER_TOKEN_URL", ""),
	}
}

// Validate checks the timing relationships the coordination core depends on.
func (c *Config) Validate() error {
	if c.CallTimeout <= 0 || c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout and call timeout must be positive")
	}
	if c.LockTimeout <= c.CallTimeout {
		return fmt.Errorf("%w: lock=%s call=%s", ErrLockTimeoutTooShort, c.LockTimeout, c.CallTimeout)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	RedisURL         string
	RateLimitBackend string

	UserRateLimit      int
	SessionRateLimit   int
	ChannelRateLimit   int
	RateLimitWindowSec int

	BreakerFailureThreshold int
	BreakerTimeoutSec       int
	BreakerHalfOpenCalls    int

	RetryMaxAttempts int
	RetryBaseDelayMS int64
	RetryMaxDelayMS  int64

	FeedbackExpirySweepSec int

	InstanceID string
	Port       string
	LogLevel   string
}

func Load() *Config {
	return &Config{
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "memory"),

		UserRateLimit:      getEnvInt("USER_RATE_LIMIT", 30),
		SessionRateLimit:   getEnvInt("SESSION_RATE_LIMIT", 10),
		ChannelRateLimit:   getEnvInt("CHANNEL_RATE_LIMIT", 20),
		RateLimitWindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerTimeoutSec:       getEnvInt("BREAKER_TIMEOUT_SEC", 60),
		BreakerHalfOpenCalls:    getEnvInt("BREAKER_HALF_OPEN_CALLS", 3),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelayMS: getEnvInt64("RETRY_BASE_DELAY_MS", 1000),
		RetryMaxDelayMS:  getEnvInt64("RETRY_MAX_DELAY_MS", 60000),

		FeedbackExpirySweepSec: getEnvInt("FEEDBACK_EXPIRY_SWEEP_SEC", 300),

		InstanceID: getEnv("INSTANCE_ID", generateInstanceID()),
		Port:       getEnv("PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSec) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

func (c *Config) FeedbackExpirySweepInterval() time.Duration {
	return time.Duration(c.FeedbackExpirySweepSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}

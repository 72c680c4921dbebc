// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Idempotency backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds everything cmd/api and cmd/worker read from the environment.
// AWS_REGION and AWS_ENDPOINT_OVERRIDE are read by internal/aws.
type Config struct {
	FunctionName string

	Backend          string `validate:"oneof=dynamodb redis memory"`
	IdempotencyTable string `validate:"required_if=Backend dynamodb"`
	KeyAttr          string `validate:"required"`
	SortKeyAttr      string

	RedisAddr     string `validate:"required_if=Backend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	ExpiresAfter           time.Duration `validate:"gt=0"`
	InProgressExpiresAfter time.Duration `validate:"gte=0"`
	UseLocalCache          bool
	LocalCacheSize         int `validate:"gt=0"`
	Disabled               bool

	PaymentsTable    string `validate:"required"`
	PaymentsQueueURL string
	// MetricsNamespace enables CloudWatch outcome counts. They are sent in batches every
	// MetricsInterval, off the request path.
	MetricsNamespace string
	MetricsInterval  time.Duration `validate:"gt=0"`

	RunLocal bool
}

// Load reads a local .env file if there is one, then the environment.
func Load() (*Config, error) {
	// a missing .env is the normal case in Lambda
	_ = godotenv.Load()

	cfg := &Config{
		FunctionName:           getEnv("AWS_LAMBDA_FUNCTION_NAME", ""),
		Backend:                getEnv("IDEMPOTENCY_BACKEND", BackendDynamoDB),
		IdempotencyTable:       getEnv("IDEMPOTENCY_TABLE", ""),
		KeyAttr:                getEnv("IDEMPOTENCY_KEY_ATTR", "id"),
		SortKeyAttr:            getEnv("IDEMPOTENCY_SORT_KEY_ATTR", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		ExpiresAfter:           getEnvDuration("IDEMPOTENCY_EXPIRES_AFTER", time.Hour),
		InProgressExpiresAfter: getEnvDuration("IDEMPOTENCY_IN_PROGRESS_EXPIRES_AFTER", 0),
		UseLocalCache:          getEnvBool("IDEMPOTENCY_USE_LOCAL_CACHE", false),
		LocalCacheSize:         getEnvInt("IDEMPOTENCY_LOCAL_CACHE_SIZE", 256),
		Disabled:               getEnvBool("IDEMPOTENCY_DISABLED", false),
		PaymentsTable:          getEnv("PAYMENTS_TABLE", ""),
		PaymentsQueueURL:       getEnv("PAYMENTS_QUEUE_URL", ""),
		MetricsNamespace:       getEnv("METRICS_NAMESPACE", ""),
		MetricsInterval:        getEnvDuration("METRICS_INTERVAL", 10*time.Second),
		RunLocal:               getEnvBool("RUN_LOCAL", false),
	}
	if err := validatorv10.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

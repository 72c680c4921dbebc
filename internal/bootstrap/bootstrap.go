// Package bootstrap builds the long-lived dependencies shared by the binaries. Everything here
// runs once per cold start; handlers reuse the results across invocations.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-idempotent-lambda/internal/aws"
	"github.com/imrishuroy/go-idempotent-lambda/internal/config"
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency/dynamostore"
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency/memstore"
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency/redisstore"
)

// NewBackend returns the idempotency backend selected by cfg.Backend.
func NewBackend(cfg *config.Config, clients *aws.AWSClients) (idempotency.Backend, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		if clients == nil || clients.DynamoDB == nil {
			return nil, errors.New("dynamodb backend requires a DynamoDB client")
		}
		opts := []dynamostore.Option{dynamostore.WithKeyAttr(cfg.KeyAttr)}
		if cfg.SortKeyAttr != "" {
			opts = append(opts, dynamostore.WithSortKeyAttr(cfg.SortKeyAttr))
		}
		return dynamostore.NewStore(clients.DynamoDB, cfg.IdempotencyTable, opts...), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return redisstore.NewStore(client, redisstore.WithKeyPrefix("idempotency:")), nil
	case config.BackendMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

// NewMetrics returns a CloudWatch outcome publisher, or nil when no metrics namespace is
// configured. The caller runs its flush loop.
func NewMetrics(cfg *config.Config, clients *aws.AWSClients, logger *slog.Logger) *aws.MetricsPublisher {
	if cfg.MetricsNamespace == "" || clients == nil || clients.CloudWatch == nil {
		return nil
	}
	m := aws.NewMetricsPublisher(clients.CloudWatch, cfg.MetricsNamespace, cfg.FunctionName)
	if logger != nil {
		m.Logger = logger
	}
	return m
}

// Options converts cfg into orchestrator options. A non-nil metrics publisher observes every
// outcome.
func Options(cfg *config.Config, metrics *aws.MetricsPublisher, logger *slog.Logger) []idempotency.Option {
	opts := []idempotency.Option{
		idempotency.WithExpiresAfter(cfg.ExpiresAfter),
		idempotency.WithInProgressExpiresAfter(cfg.InProgressExpiresAfter),
		idempotency.WithDisabled(cfg.Disabled),
	}
	if cfg.FunctionName != "" {
		opts = append(opts, idempotency.WithKeyPrefix(cfg.FunctionName))
	}
	if cfg.UseLocalCache {
		opts = append(opts, idempotency.WithLocalCache(cfg.LocalCacheSize))
	}
	if logger != nil {
		opts = append(opts, idempotency.WithLogger(logger))
	}
	if metrics != nil {
		opts = append(opts, idempotency.WithObserver(metrics))
	}
	return opts
}

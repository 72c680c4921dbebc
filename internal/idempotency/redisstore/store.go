// Package redisstore persists idempotency records in Redis or Valkey.
//
// Each record is a hash whose key TTL equals the record expiry, so completed records vanish
// natively. Lease acquisition runs as one Lua script that branches on the stored status and
// lease expiry, which Redis executes atomically.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

const (
	fieldStatus           = "status"
	fieldExpiry           = "expiration"
	fieldInProgressExpiry = "in_progress_expiration"
	fieldData             = "data"
	fieldValidation       = "validation"
)

// KEYS[1] record key
// ARGV: expiry (s), lease expiry (ms), now (s), now (ms), payload hash, ttl (ms), INPROGRESS
var putInProgressScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status then
  local expiry = tonumber(redis.call('HGET', KEYS[1], 'expiration') or '0')
  local available = expiry <= tonumber(ARGV[3])
  if not available and status == ARGV[7] then
    local lease = tonumber(redis.call('HGET', KEYS[1], 'in_progress_expiration') or '0')
    available = lease > 0 and lease <= tonumber(ARGV[4])
  end
  if not available then
    return 0
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'status', ARGV[7], 'expiration', ARGV[1], 'in_progress_expiration', ARGV[2], 'validation', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// Client is the subset of go-redis used by Store. *redis.Client and *redis.ClusterClient
// satisfy it.
type Client interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Store implements idempotency.Backend on Redis.
type Store struct {
	client  Client
	prefix  string
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces record keys in a shared database.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the clock used for lease and TTL computation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore returns a Store using client.
func NewStore(client Client, opts ...Option) *Store {
	s := &Store{client: client, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutInProgress implements idempotency.Backend.
func (s *Store) PutInProgress(ctx context.Context, rec *idempotency.Record) error {
	now := s.nowFunc()
	ok, err := putInProgressScript.Run(ctx, s.client, []string{s.key(rec.IdempotencyKey)},
		rec.ExpiryTimestamp,
		rec.InProgressExpiryTimestamp,
		now.Unix(),
		now.UnixMilli(),
		rec.PayloadHash,
		s.ttlMillis(rec.ExpiryTimestamp, now),
		string(idempotency.StatusInProgress),
	).Int()
	if err != nil {
		return fmt.Errorf("run put in progress script: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: key %s", idempotency.ErrConditionFailed, rec.IdempotencyKey)
	}
	return nil
}

// PutCompleted implements idempotency.Backend. The write is last-writer-wins.
func (s *Store) PutCompleted(ctx context.Context, rec *idempotency.Record) error {
	key := s.key(rec.IdempotencyKey)
	ttl := time.Duration(s.ttlMillis(rec.ExpiryTimestamp, s.nowFunc())) * time.Millisecond
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldStatus, string(idempotency.StatusCompleted),
			fieldExpiry, rec.ExpiryTimestamp,
			fieldData, string(rec.ResponseData),
			fieldValidation, rec.PayloadHash,
		)
		pipe.HDel(ctx, key, fieldInProgressExpiry)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put completed: %w", err)
	}
	return nil
}

// Get implements idempotency.Backend.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &idempotency.Record{
		IdempotencyKey: key,
		Status:         idempotency.Status(fields[fieldStatus]),
		PayloadHash:    fields[fieldValidation],
	}
	if rec.ExpiryTimestamp, err = parseInt(fields[fieldExpiry]); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldExpiry, err)
	}
	if rec.InProgressExpiryTimestamp, err = parseInt(fields[fieldInProgressExpiry]); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldInProgressExpiry, err)
	}
	if data := fields[fieldData]; data != "" {
		rec.ResponseData = []byte(data)
	}
	return rec, nil
}

// Delete implements idempotency.Backend.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *Store) key(k string) string { return s.prefix + k }

// ttlMillis is the key TTL for a record expiring at expirySec. Never below 1ms, since a
// non-positive PEXPIRE deletes the key.
func (s *Store) ttlMillis(expirySec int64, now time.Time) int64 {
	ttl := expirySec*1000 - now.UnixMilli()
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

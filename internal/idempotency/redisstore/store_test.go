package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return NewStore(client, WithKeyPrefix("idem:"), WithClock(clk.Now)), mr, clk
}

func lease(key string, now time.Time, ttl, leaseFor time.Duration) *idempotency.Record {
	return &idempotency.Record{
		IdempotencyKey:            key,
		Status:                    idempotency.StatusInProgress,
		ExpiryTimestamp:           now.Add(ttl).Unix(),
		InProgressExpiryTimestamp: now.Add(leaseFor).UnixMilli(),
		PayloadHash:               "h1",
	}
}

func TestLifecycle(t *testing.T) {
	s, mr, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutInProgress(ctx, lease("fn#1", clk.Now(), time.Hour, time.Minute)))
	require.True(t, mr.Exists("idem:fn#1"))
	require.Equal(t, time.Hour, mr.TTL("idem:fn#1"))

	err := s.PutInProgress(ctx, lease("fn#1", clk.Now(), time.Hour, time.Minute))
	require.ErrorIs(t, err, idempotency.ErrConditionFailed)

	rec, err := s.Get(ctx, "fn#1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, idempotency.StatusInProgress, rec.Status)
	require.Equal(t, "h1", rec.PayloadHash)
	require.Equal(t, clk.Now().Add(time.Minute).UnixMilli(), rec.InProgressExpiryTimestamp)

	require.NoError(t, s.PutCompleted(ctx, &idempotency.Record{
		IdempotencyKey:  "fn#1",
		Status:          idempotency.StatusCompleted,
		ExpiryTimestamp: clk.Now().Add(30 * time.Minute).Unix(),
		PayloadHash:     "h1",
		ResponseData:    json.RawMessage(`{"paymentId":"tx-1"}`),
	}))
	require.Equal(t, 30*time.Minute, mr.TTL("idem:fn#1"))

	rec, err = s.Get(ctx, "fn#1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusCompleted, rec.Status)
	require.JSONEq(t, `{"paymentId":"tx-1"}`, string(rec.Response()))
	require.Zero(t, rec.InProgressExpiryTimestamp)

	// a completed record also blocks new leases until it expires
	err = s.PutInProgress(ctx, lease("fn#1", clk.Now(), time.Hour, time.Minute))
	require.ErrorIs(t, err, idempotency.ErrConditionFailed)

	require.NoError(t, s.Delete(ctx, "fn#1"))
	rec, err = s.Get(ctx, "fn#1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestCompletedRecordExpiresNatively(t *testing.T) {
	s, mr, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutInProgress(ctx, lease("k", clk.Now(), time.Minute, time.Minute)))
	require.NoError(t, s.PutCompleted(ctx, &idempotency.Record{
		IdempotencyKey:  "k",
		Status:          idempotency.StatusCompleted,
		ExpiryTimestamp: clk.Now().Add(time.Minute).Unix(),
		ResponseData:    json.RawMessage(`1`),
	}))

	mr.FastForward(time.Minute + time.Second)
	clk.Advance(time.Minute + time.Second)

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, s.PutInProgress(ctx, lease("k", clk.Now(), time.Minute, time.Minute)))
}

func TestAbandonedLeaseIsReplaced(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutInProgress(ctx, lease("k", clk.Now(), time.Hour, time.Second)))
	clk.Advance(2 * time.Second)

	next := lease("k", clk.Now(), time.Hour, time.Minute)
	next.PayloadHash = "h2"
	require.NoError(t, s.PutInProgress(ctx, next))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "h2", rec.PayloadHash)
	require.Equal(t, next.InProgressExpiryTimestamp, rec.InProgressExpiryTimestamp)
}

func TestConcurrentLeaseHasSingleWinner(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.PutInProgress(ctx, lease("race", clk.Now(), time.Hour, time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, idempotency.ErrConditionFailed):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, n-1, losses)
}

func TestBackendErrorIsNotConditionFailure(t *testing.T) {
	s, mr, clk := newTestStore(t)
	mr.Close()

	err := s.PutInProgress(context.Background(), lease("k", clk.Now(), time.Hour, time.Minute))
	require.Error(t, err)
	require.False(t, errors.Is(err, idempotency.ErrConditionFailed))

	_, err = s.Get(context.Background(), "k")
	require.Error(t, err)
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// commitTimeout bounds PutCompleted and lease release, which run on a context detached from
// the caller's cancellation.
const commitTimeout = 5 * time.Second

// Orchestrator drives the idempotency state machine for one function.
// It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	backend Backend
	cfg     Config
	deriver *KeyDeriver
	cache   *localCache
}

// New returns an orchestrator persisting records in backend.
func New(backend Backend, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("idempotency: nil backend")
	}
	cfg := NewConfig(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		backend: backend,
		cfg:     cfg,
		deriver: NewKeyDeriver(cfg.KeyPrefix, cfg.EventKeyExpression, cfg.PayloadValidationExpression, cfg.Extractor),
	}
	if cfg.UseLocalCache {
		c, err := newLocalCache(cfg.LocalCacheMaxItems)
		if err != nil {
			return nil, fmt.Errorf("create local cache: %w", err)
		}
		o.cache = c
	}
	return o, nil
}

// KeyFor returns the idempotency key Execute would use for payload.
func (o *Orchestrator) KeyFor(payload any) (string, error) {
	key, _, err := o.deriver.Derive(payload)
	return key, err
}

// Execute runs fn at most once per idempotency key derived from payload and returns its JSON
// result, or the result persisted by an earlier execution.
//
// Errors returned by fn are passed through unchanged after the lease is released.
func (o *Orchestrator) Execute(ctx context.Context, payload any, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if o.cfg.Disabled {
		return fn(ctx)
	}

	key, payloadHash, err := o.deriver.Derive(payload)
	if err != nil {
		return nil, err
	}
	log := o.logger(ctx, key)

	if o.cache != nil {
		if rec := o.cache.get(key, o.cfg.Now()); rec != nil {
			if err := o.validatePayload(ctx, rec, payloadHash); err != nil {
				return nil, err
			}
			log.Debug("replaying response from local cache")
			o.observe(ctx, key, OutcomeReplayed)
			return o.respond(rec), nil
		}
	}

	existing, err := o.backend.Get(ctx, key)
	if err != nil {
		return nil, &PersistenceError{Op: "get record", Key: key, Err: err}
	}
	if existing != nil {
		resp, handled, err := o.resolveExisting(ctx, log, existing, payloadHash)
		if handled {
			return resp, err
		}
		log.Debug("existing record expired, acquiring new lease", "status", existing.Status)
	}

	return o.run(ctx, log, key, payloadHash, fn)
}

// resolveExisting applies the transition rules to a stored record. handled is false when the
// record is expired or abandoned and a new lease should be acquired.
func (o *Orchestrator) resolveExisting(ctx context.Context, log *slog.Logger, rec *Record, payloadHash string) (resp json.RawMessage, handled bool, err error) {
	st, err := rec.EffectiveStatus(o.cfg.Now())
	if err != nil {
		return nil, true, err
	}

	switch st {
	case StatusCompleted:
		if err := o.validatePayload(ctx, rec, payloadHash); err != nil {
			return nil, true, err
		}
		if o.cache != nil {
			o.cache.put(rec)
		}
		log.Debug("replaying stored response")
		o.observe(ctx, rec.IdempotencyKey, OutcomeReplayed)
		return o.respond(rec), true, nil
	case StatusInProgress:
		if err := o.validatePayload(ctx, rec, payloadHash); err != nil {
			return nil, true, err
		}
		log.Info("execution already in progress")
		o.observe(ctx, rec.IdempotencyKey, OutcomeInProgress)
		return nil, true, fmt.Errorf("%w: key %s", ErrAlreadyInProgress, rec.IdempotencyKey)
	}
	return nil, false, nil
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, key, payloadHash string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	now := o.cfg.Now()
	lease := &Record{
		IdempotencyKey:  key,
		Status:          StatusInProgress,
		ExpiryTimestamp: now.Add(o.cfg.ExpiresAfter).Unix(),
		PayloadHash:     payloadHash,
	}
	lease.InProgressExpiryTimestamp = now.Add(o.leaseDuration(ctx, now)).UnixMilli()
	if limit := lease.ExpiryTimestamp * 1000; lease.InProgressExpiryTimestamp > limit {
		lease.InProgressExpiryTimestamp = limit
	}

	if err := o.backend.PutInProgress(ctx, lease); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			log.Info("lost lease race, execution already in progress")
			o.observe(ctx, key, OutcomeInProgress)
			return nil, fmt.Errorf("%w: key %s", ErrAlreadyInProgress, key)
		}
		return nil, &PersistenceError{Op: "put in progress", Key: key, Err: err}
	}

	result, err := o.invoke(ctx, log, key, fn)
	if err != nil {
		if relErr := o.release(ctx, key); relErr != nil {
			log.Warn("failed to release lease after function error", "error", relErr)
			return nil, errors.Join(err, relErr)
		}
		return nil, err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	completed := &Record{
		IdempotencyKey:  key,
		Status:          StatusCompleted,
		ExpiryTimestamp: o.cfg.Now().Add(o.cfg.ExpiresAfter).Unix(),
		PayloadHash:     payloadHash,
		ResponseData:    result,
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := o.backend.PutCompleted(commitCtx, completed); err != nil {
		return nil, &PersistenceError{Op: "put completed", Key: key, Err: err}
	}
	if o.cache != nil {
		o.cache.put(completed)
	}
	o.observe(ctx, key, OutcomeExecuted)
	return o.respond(completed), nil
}

// invoke calls fn, releasing the lease before re-raising if it panics.
func (o *Orchestrator) invoke(ctx context.Context, log *slog.Logger, key string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	defer func() {
		if p := recover(); p != nil {
			if err := o.release(ctx, key); err != nil {
				log.Warn("failed to release lease after panic", "error", err)
			}
			panic(p)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) release(ctx context.Context, key string) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := o.backend.Delete(relCtx, key); err != nil {
		return &PersistenceError{Op: "delete record", Key: key, Err: err}
	}
	return nil
}

// leaseDuration is the smallest of the record TTL, the configured lease and the time left
// before the context deadline.
func (o *Orchestrator) leaseDuration(ctx context.Context, now time.Time) time.Duration {
	d := o.cfg.ExpiresAfter
	if o.cfg.InProgressExpiresAfter > 0 && o.cfg.InProgressExpiresAfter < d {
		d = o.cfg.InProgressExpiresAfter
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(now); remaining < d {
			d = remaining
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (o *Orchestrator) validatePayload(ctx context.Context, rec *Record, payloadHash string) error {
	if !o.deriver.ValidationEnabled() || rec.PayloadHash == "" {
		return nil
	}
	if rec.PayloadHash == payloadHash {
		return nil
	}
	o.observe(ctx, rec.IdempotencyKey, OutcomeValidationFailed)
	return &ValidationError{Record: rec, ExpectedHash: rec.PayloadHash, ActualHash: payloadHash}
}

func (o *Orchestrator) respond(rec *Record) json.RawMessage {
	data := append(json.RawMessage(nil), rec.ResponseData...)
	if o.cfg.ResponseHook == nil {
		return data
	}
	return o.cfg.ResponseHook(data, rec.clone())
}

func (o *Orchestrator) observe(ctx context.Context, key string, outcome Outcome) {
	if o.cfg.Observer != nil {
		o.cfg.Observer.Observe(ctx, key, outcome)
	}
}

func (o *Orchestrator) logger(ctx context.Context, key string) *slog.Logger {
	l := o.cfg.Logger.With("idempotency_key", key)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		l = l.With("request_id", lc.AwsRequestID)
	}
	return l
}

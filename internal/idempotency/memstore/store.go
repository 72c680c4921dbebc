// Package memstore is an in-process idempotency backend.
//
// It is suitable for local runs and tests: records are not shared between processes.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

// Store keeps records in a mutex-guarded map. Expired entries are dropped lazily on read.
type Store struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	nowFunc func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]idempotency.Record),
		nowFunc: time.Now,
	}
}

// WithClock overrides the clock used to evaluate the lease precondition.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// PutInProgress implements idempotency.Backend.
func (s *Store) PutInProgress(_ context.Context, rec *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if existing, ok := s.records[rec.IdempotencyKey]; ok {
		if !idempotency.LeaseAvailable(&existing, now.Unix(), now.UnixMilli()) {
			return idempotency.ErrConditionFailed
		}
	}
	s.records[rec.IdempotencyKey] = copyRecord(rec)
	return nil
}

// PutCompleted implements idempotency.Backend.
func (s *Store) PutCompleted(_ context.Context, rec *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.IdempotencyKey] = copyRecord(rec)
	return nil
}

// Get implements idempotency.Backend.
func (s *Store) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if rec.IsExpired(s.nowFunc()) {
		delete(s.records, key)
		return nil, nil
	}
	out := copyRecord(&rec)
	return &out, nil
}

// Delete implements idempotency.Backend.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func copyRecord(rec *idempotency.Record) idempotency.Record {
	c := *rec
	if rec.ResponseData != nil {
		c.ResponseData = append([]byte(nil), rec.ResponseData...)
	}
	return c
}

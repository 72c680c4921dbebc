package idempotency

import "context"

// Backend is the storage contract for idempotency records.
//
// Implementations must make PutInProgress atomic: it succeeds only when there is no record,
// the record is COMPLETED and expired, or the record is INPROGRESS with a lapsed lease.
// Otherwise it returns an error matching ErrConditionFailed and writes nothing.
type Backend interface {
	// PutInProgress creates or replaces the record as an INPROGRESS lease.
	PutInProgress(ctx context.Context, record *Record) error
	// PutCompleted overwrites the record with its final result. Only the lease holder calls it.
	PutCompleted(ctx context.Context, record *Record) error
	// Get returns the record for key, or (nil, nil) if there is none.
	Get(ctx context.Context, key string) (*Record, error)
	// Delete removes the record, releasing a lease after a failed execution.
	Delete(ctx context.Context, key string) error
}

// LeaseAvailable evaluates the PutInProgress precondition against an existing record.
// Backends that cannot express the condition natively use it under their own lock or script.
func LeaseAvailable(existing *Record, nowSec, nowMilli int64) bool {
	if existing == nil {
		return true
	}
	switch existing.Status {
	case StatusCompleted:
		return existing.ExpiryTimestamp <= nowSec
	case StatusInProgress:
		if existing.ExpiryTimestamp <= nowSec {
			return true
		}
		return existing.InProgressExpiryTimestamp != 0 && existing.InProgressExpiryTimestamp <= nowMilli
	default:
		return existing.ExpiryTimestamp <= nowSec
	}
}

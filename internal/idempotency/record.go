package idempotency

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

// Status values. StatusExpired is never written by this package; it is derived at read time.
const (
	StatusInProgress Status = "INPROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusExpired    Status = "EXPIRED"
)

// ParseStatus decodes a stored status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusInProgress, StatusCompleted, StatusExpired:
		return st, nil
	default:
		return "", &InvalidStatusError{Status: s}
	}
}

// Record is one idempotency record as seen by the orchestrator.
type Record struct {
	IdempotencyKey string
	Status         Status
	// ExpiryTimestamp is epoch seconds after which the whole record may be replaced.
	ExpiryTimestamp int64
	// InProgressExpiryTimestamp is the lease expiry in epoch milliseconds. Zero means unset.
	InProgressExpiryTimestamp int64
	// PayloadHash is empty when payload validation is disabled.
	PayloadHash  string
	ResponseData json.RawMessage
}

// IsExpired reports whether the full record TTL has passed.
func (r *Record) IsExpired(now time.Time) bool {
	return now.Unix() >= r.ExpiryTimestamp
}

// LeaseExpired reports whether an INPROGRESS lease has lapsed.
func (r *Record) LeaseExpired(now time.Time) bool {
	if r.InProgressExpiryTimestamp == 0 {
		return false
	}
	return now.UnixMilli() >= r.InProgressExpiryTimestamp
}

// EffectiveStatus recomputes the state from the current time. The stored status alone is not
// trusted: an expired COMPLETED record and an INPROGRESS record with a lapsed lease both read
// as StatusExpired.
func (r *Record) EffectiveStatus(now time.Time) (Status, error) {
	st, err := ParseStatus(string(r.Status))
	if err != nil {
		return "", err
	}
	switch st {
	case StatusCompleted:
		if r.IsExpired(now) {
			return StatusExpired, nil
		}
	case StatusInProgress:
		if r.IsExpired(now) || r.LeaseExpired(now) {
			return StatusExpired, nil
		}
	}
	return st, nil
}

// Response returns the cached response, or nil when the record holds none.
func (r *Record) Response() json.RawMessage {
	if r == nil || len(r.ResponseData) == 0 {
		return nil
	}
	return r.ResponseData
}

func (r *Record) clone() *Record {
	c := *r
	if r.ResponseData != nil {
		c.ResponseData = append(json.RawMessage(nil), r.ResponseData...)
	}
	return &c
}

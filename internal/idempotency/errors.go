package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingKey means the key expression selected nothing from the payload.
	// The wrapped function is never invoked in that case.
	ErrMissingKey = errors.New("idempotency: no idempotency key found in payload")

	// ErrAlreadyInProgress means another execution holds a valid lease for the key.
	// Callers may retry later.
	ErrAlreadyInProgress = errors.New("idempotency: execution already in progress")

	// ErrPayloadValidation is matched by *ValidationError.
	ErrPayloadValidation = errors.New("idempotency: payload does not match stored record")

	// ErrPersistence is matched by *PersistenceError.
	ErrPersistence = errors.New("idempotency: persistence layer error")

	// ErrInvalidStatus is matched by *InvalidStatusError.
	ErrInvalidStatus = errors.New("idempotency: invalid stored status")

	// ErrConditionFailed is returned by Backend.PutInProgress when another writer holds a valid
	// lease or a valid completed result for the key.
	ErrConditionFailed = errors.New("conditional check failed")
)

// KeyDerivationError wraps a failure of the expression evaluator or of payload encoding.
type KeyDerivationError struct {
	Expression string
	Err        error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("idempotency: derive key with expression %q: %v", e.Expression, e.Err)
}

func (e *KeyDerivationError) Unwrap() error { return e.Err }

// ValidationError reports a reused key whose payload fingerprint differs from the stored one.
type ValidationError struct {
	Record       *Record
	ExpectedHash string
	ActualHash   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: key %s", ErrPayloadValidation, e.Record.IdempotencyKey)
}

func (e *ValidationError) Is(target error) bool { return target == ErrPayloadValidation }

// PersistenceError wraps an unexpected backend failure.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("idempotency: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// InvalidStatusError reports a stored status string outside the known set.
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("%v: %q", ErrInvalidStatus, e.Status)
}

func (e *InvalidStatusError) Is(target error) bool { return target == ErrInvalidStatus }

package dynamostore

import (
	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

// Attribute names of an idempotency item. The key attributes are configurable on the Store.
const (
	attrExpiry           = "expiration" // table TTL attribute, epoch seconds
	attrInProgressExpiry = "in_progress_expiration"
	attrStatus           = "status"
	attrData             = "data"
	attrValidation       = "validation"
)

// item is the shape persisted in the idempotency table, minus its key attributes.
type item struct {
	Expiration           int64  `dynamodbav:"expiration"`
	InProgressExpiration int64  `dynamodbav:"in_progress_expiration,omitempty"` // epoch millis
	Status               string `dynamodbav:"status"`
	Data                 string `dynamodbav:"data,omitempty"` // JSON response
	Validation           string `dynamodbav:"validation,omitempty"`
}

func itemFromRecord(rec *idempotency.Record) item {
	return item{
		Expiration:           rec.ExpiryTimestamp,
		InProgressExpiration: rec.InProgressExpiryTimestamp,
		Status:               string(rec.Status),
		Data:                 string(rec.ResponseData),
		Validation:           rec.PayloadHash,
	}
}

func (it item) toRecord(key string) *idempotency.Record {
	rec := &idempotency.Record{
		IdempotencyKey:            key,
		Status:                    idempotency.Status(it.Status),
		ExpiryTimestamp:           it.Expiration,
		InProgressExpiryTimestamp: it.InProgressExpiration,
		PayloadHash:               it.Validation,
	}
	if it.Data != "" {
		rec.ResponseData = []byte(it.Data)
	}
	return rec
}

package validation

// CreatePaymentRequest is the payload for POST /payments.
// The idempotency key is derived from userId and productId; amount is the fingerprinted field.
type CreatePaymentRequest struct {
	UserID    string  `json:"userId" validate:"required"`
	ProductID string  `json:"productId" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Currency  string  `json:"currency" validate:"required,len=3,uppercase"`
}

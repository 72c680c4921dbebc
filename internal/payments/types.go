package payments

import "time"

// Payment statuses
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Payment represents the item stored in the Payments DynamoDB table.
type Payment struct {
	PaymentID string    `dynamodbav:"payment_id"` // PK
	UserID    string    `dynamodbav:"user_id"`
	ProductID string    `dynamodbav:"product_id"`
	Status    string    `dynamodbav:"status"` // PENDING | PROCESSING | COMPLETED | FAILED
	Amount    float64   `dynamodbav:"amount"`
	Currency  string    `dynamodbav:"currency"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
	Attempts  int       `dynamodbav:"attempts,omitempty"`
}

// Receipt is the response returned to callers, and the value cached by the idempotency layer.
type Receipt struct {
	PaymentID string    `json:"paymentId"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is the payload sent from API -> SQS -> Worker.
type Message struct {
	PaymentID     string `json:"paymentId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (p *Payment) receipt() Receipt {
	return Receipt{
		PaymentID: p.PaymentID,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		CreatedAt: p.CreatedAt,
	}
}

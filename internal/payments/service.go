package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a payment id is unknown.
var ErrNotFound = errors.New("payment not found")

// Publisher sends payment messages to the worker queue. *aws.Publisher satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, v any, attributes map[string]string) (string, error)
}

// CreateInput is a validated payment request.
type CreateInput struct {
	UserID        string
	ProductID     string
	Amount        float64
	Currency      string
	CorrelationID string
}

// Service implements the payment lifecycle on top of Store.
// It performs side effects and is meant to run behind the idempotency layer.
type Service struct {
	store     *Store
	publisher Publisher
	newID     func() string
	logger    *slog.Logger
}

// NewService returns a Service. publisher may be nil, in which case no message is sent.
func NewService(store *Store, publisher Publisher) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
}

// Create persists a PENDING payment and enqueues it for processing.
func (s *Service) Create(ctx context.Context, in CreateInput) (Receipt, error) {
	p := &Payment{
		PaymentID: s.newID(),
		UserID:    in.UserID,
		ProductID: in.ProductID,
		Status:    StatusPending,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return Receipt{}, fmt.Errorf("create payment: %w", err)
	}

	if s.publisher != nil {
		msg := Message{PaymentID: p.PaymentID, CorrelationID: in.CorrelationID}
		attrs := map[string]string{"payment_id": p.PaymentID}
		if in.CorrelationID != "" {
			attrs["correlation_id"] = in.CorrelationID
		}
		if _, err := s.publisher.PublishJSON(ctx, msg, attrs); err != nil {
			// never enqueued, so it must not stay PENDING
			if uerr := s.store.UpdateStatus(ctx, p.PaymentID, StatusPending, StatusFailed); uerr != nil {
				s.logger.Warn("mark payment failed", "payment_id", p.PaymentID, "error", uerr)
			}
			return Receipt{}, fmt.Errorf("enqueue payment: %w", err)
		}
	}

	s.logger.Info("payment created", "payment_id", p.PaymentID, "user_id", p.UserID)
	return p.receipt(), nil
}

// Get returns the current state of a payment.
func (s *Service) Get(ctx context.Context, paymentID string) (Receipt, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return Receipt{}, err
	}
	if p == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return p.receipt(), nil
}

// Process moves a payment PENDING -> PROCESSING -> COMPLETED. A payment that is already
// COMPLETED is reported as such; a FAILED one is an error.
func (s *Service) Process(ctx context.Context, msg Message) (Receipt, error) {
	log := s.logger.With("payment_id", msg.PaymentID, "correlation_id", msg.CorrelationID)

	p, err := s.store.Get(ctx, msg.PaymentID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to fetch payment: %w", err)
	}
	if p == nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotFound, msg.PaymentID)
	}
	if _, err := s.store.IncrementAttempts(ctx, p.PaymentID); err != nil {
		return Receipt{}, err
	}

	err = s.store.UpdateStatus(ctx, p.PaymentID, StatusPending, StatusProcessing)
	if errors.Is(err, ErrStatusMismatch) {
		current, gerr := s.store.Get(ctx, p.PaymentID)
		if gerr != nil {
			return Receipt{}, fmt.Errorf("failed to fetch payment: %w", gerr)
		}
		if current == nil {
			return Receipt{}, fmt.Errorf("%w: %s", ErrNotFound, p.PaymentID)
		}
		switch current.Status {
		case StatusCompleted:
			log.Info("payment already completed")
			return current.receipt(), nil
		case StatusFailed:
			return Receipt{}, fmt.Errorf("payment=%s is already FAILED", p.PaymentID)
		default:
			// PROCESSING: a crashed attempt left it mid-way; finish it below
			p = current
		}
	} else if err != nil {
		return Receipt{}, fmt.Errorf("failed to update status to PROCESSING: %w", err)
	}

	if err := s.store.UpdateStatus(ctx, p.PaymentID, StatusProcessing, StatusCompleted); err != nil {
		return Receipt{}, fmt.Errorf("failed to update status to COMPLETED: %w", err)
	}
	p.Status = StatusCompleted
	log.Info("payment completed")
	return p.receipt(), nil
}

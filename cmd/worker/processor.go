package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-lambda/internal/payments"
)

// messageKeyExpression keys worker executions on the payment id, so redelivered and duplicated
// messages complete a payment once.
const messageKeyExpression = "paymentId"

// Processor handles SQS messages and performs payment lifecycle transitions.
type Processor struct {
	process *idempotency.Function[payments.Message, payments.Receipt]
}

// NewProcessor wraps svc.Process with an orchestrator over backend.
func NewProcessor(svc *payments.Service, backend idempotency.Backend, opts ...idempotency.Option) (*Processor, error) {
	opts = append(append([]idempotency.Option{}, opts...), idempotency.WithEventKeyExpression(messageKeyExpression))
	orch, err := idempotency.New(backend, opts...)
	if err != nil {
		return nil, fmt.Errorf("create worker idempotency: %w", err)
	}
	return &Processor{process: idempotency.Wrap(orch, svc.Process)}, nil
}

// Handle processes every message of the batch and reports the failed ones, so SQS only
// redelivers those.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s failed: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg payments.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received payment=%s corr=%s", msg.PaymentID, msg.CorrelationID)

	receipt, err := p.process.Invoke(ctx, msg)
	if err != nil {
		return err
	}
	log.Printf("[worker] payment=%s status=%s", receipt.PaymentID, receipt.Status)
	return nil
}

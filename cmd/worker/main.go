package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-idempotent-lambda/internal/aws"
	"github.com/imrishuroy/go-idempotent-lambda/internal/bootstrap"
	"github.com/imrishuroy/go-idempotent-lambda/internal/config"
	"github.com/imrishuroy/go-idempotent-lambda/internal/payments"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	backend, err := bootstrap.NewBackend(cfg, clients)
	if err != nil {
		log.Fatalf("failed to init idempotency backend: %v", err)
	}

	metrics := bootstrap.NewMetrics(cfg, clients, logger)
	if metrics != nil {
		go metrics.Run(context.Background(), cfg.MetricsInterval)
	}

	svc := payments.NewService(payments.NewStore(clients.DynamoDB, cfg.PaymentsTable), nil)
	p, err := NewProcessor(svc, backend, bootstrap.Options(cfg, metrics, logger)...)
	if err != nil {
		log.Fatalf("failed to init processor: %v", err)
	}

	// RUN_LOCAL=true processes a single simulated message and exits.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"paymentId":"local-payment-1"}`
		}
		resp, err := p.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		if metrics != nil {
			_ = metrics.Flush(context.Background())
		}
		log.Printf("local run done, failures=%d", len(resp.BatchItemFailures))
		return
	}

	lambda.Start(p.Handle)
}

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-lambda/internal/aws"
	"github.com/imrishuroy/go-idempotent-lambda/internal/bootstrap"
	"github.com/imrishuroy/go-idempotent-lambda/internal/config"
	"github.com/imrishuroy/go-idempotent-lambda/internal/handlers"
	"github.com/imrishuroy/go-idempotent-lambda/internal/payments"
)

func setupRouter(cfg handlers.HandlerConfig) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if err := handlers.RegisterPaymentsRoutes(r, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

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

	var publisher payments.Publisher
	if cfg.PaymentsQueueURL != "" {
		publisher = aws.NewPublisher(clients.SQS, cfg.PaymentsQueueURL)
	}
	svc := payments.NewService(payments.NewStore(clients.DynamoDB, cfg.PaymentsTable), publisher)

	r, err := setupRouter(handlers.HandlerConfig{
		Payments:           svc,
		Backend:            backend,
		IdempotencyOptions: bootstrap.Options(cfg, metrics, logger),
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("failed to set up routes: %v", err)
	}

	// RUN_LOCAL=true serves plain HTTP for development.
	if cfg.RunLocal {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

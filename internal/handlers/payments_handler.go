package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-lambda/internal/payments"
	"github.com/imrishuroy/go-idempotent-lambda/internal/validation"
)

const (
	// PaymentKeyExpression selects the idempotency key from a CreatePaymentRequest.
	PaymentKeyExpression = "[userId, productId]"
	// PaymentValidationExpression selects the fields that must not change under one key.
	PaymentValidationExpression = "amount"
)

// HandlerConfig groups dependencies for the payments handler.
type HandlerConfig struct {
	Payments *payments.Service
	// Backend stores idempotency records for POST /payments.
	Backend idempotency.Backend
	// IdempotencyOptions are applied before the handler's key and validation expressions.
	IdempotencyOptions []idempotency.Option
	Logger             *slog.Logger
}

// RegisterPaymentsRoutes registers routes for the payments API.
func RegisterPaymentsRoutes(r gin.IRouter, cfg HandlerConfig) error {
	opts := append([]idempotency.Option{}, cfg.IdempotencyOptions...)
	opts = append(opts,
		idempotency.WithEventKeyExpression(PaymentKeyExpression),
		idempotency.WithPayloadValidationExpression(PaymentValidationExpression),
	)
	orch, err := idempotency.New(cfg.Backend, opts...)
	if err != nil {
		return fmt.Errorf("create payments idempotency: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &paymentsHandler{
		validate: validation.New(),
		payments: cfg.Payments,
		logger:   logger,
	}
	h.create = idempotency.Wrap(orch, h.createPayment)

	r.POST("/payments", h.handleCreate)
	r.GET("/payments/:id", h.handleGet)
	return nil
}

type paymentsHandler struct {
	validate *validatorv10.Validate
	payments *payments.Service
	create   *idempotency.Function[validation.CreatePaymentRequest, payments.Receipt]
	logger   *slog.Logger
}

func (h *paymentsHandler) createPayment(ctx context.Context, req validation.CreatePaymentRequest) (payments.Receipt, error) {
	return h.payments.Create(ctx, payments.CreateInput{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CorrelationID: correlationID(ctx),
	})
}

func (h *paymentsHandler) handleCreate(c *gin.Context) {
	var req validation.CreatePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	ctx := context.WithValue(c.Request.Context(), correlationKey{}, c.GetHeader("X-Request-Id"))
	receipt, err := h.create.Invoke(ctx, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Location", "/payments/"+receipt.PaymentID)
	c.JSON(http.StatusCreated, receipt)
}

func (h *paymentsHandler) handleGet(c *gin.Context) {
	receipt, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, payments.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
	case err != nil:
		h.logger.Error("get payment failed", "payment_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	default:
		c.JSON(http.StatusOK, receipt)
	}
}

// writeError maps idempotency outcomes to HTTP statuses.
func (h *paymentsHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, idempotency.ErrAlreadyInProgress):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress"})
	case errors.Is(err, idempotency.ErrPayloadValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused", "msg": "a request with the same user and product but a different amount was already processed"})
	case errors.Is(err, idempotency.ErrMissingKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
	case errors.Is(err, idempotency.ErrPersistence):
		h.logger.Error("idempotency store failure", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_store_unavailable"})
	default:
		h.logger.Error("create payment failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_payment_failed"})
	}
}

type correlationKey struct{}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

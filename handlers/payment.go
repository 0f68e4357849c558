package handlers

import (
	"context"
	"errors"
	"net/http"

	"study-payment-svc/middleware"
	"study-payment-svc/models"
	"study-payment-svc/payment"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "study-payment-service"

// PaymentService is the part of *payment.Service the HTTP and gRPC surfaces use.
type PaymentService interface {
	Checkout(ctx context.Context, req models.CheckoutRequest) (*models.Payment, error)
	Confirm(ctx context.Context, req models.ConfirmPaymentRequest) (*models.PaymentView, error)
	Get(ctx context.Context, orderID string) (*models.PaymentView, error)
	HandleWebhook(ctx context.Context, hook models.GatewayWebhook) error
	RequestRefund(ctx context.Context, orderID, reason string) (models.Event, error)
	Reconcile(ctx context.Context) (payment.ReconcileReport, error)
}

type PaymentHandler struct {
	svc    PaymentService
	logger *zap.Logger
}

func NewPaymentHandler(svc PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		svc:    svc,
		logger: logger,
	}
}

func (h *PaymentHandler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "Checkout")
	defer span.End()

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.Int64("study_id", req.StudyID),
	)

	p, err := h.svc.Checkout(ctx, req)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Confirm answers 200 with a decided payment and 202 while the gateway outcome is
// unknown; the client polls GET /payments/:orderId.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "ConfirmPayment")
	defer span.End()

	var req models.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	view, err := h.svc.Confirm(ctx, req)
	if err != nil {
		span.RecordError(err)
		if view != nil && errors.Is(err, models.ErrAmountMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "payment": view})
			return
		}
		if errors.Is(err, payment.ErrGatewayNotReady) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment gateway temporarily unavailable"})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("status", string(view.Status)))
	if view.InProgress {
		c.JSON(http.StatusAccepted, view)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "GetPayment")
	defer span.End()

	orderID := c.Param("orderId")
	span.SetAttributes(attribute.String("order_id", orderID))

	view, err := h.svc.Get(ctx, orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Webhook acknowledges every notification it can do nothing more about so the gateway
// stops redelivering it. Only failures worth a retry get a non-2xx answer.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "PaymentWebhook")
	defer span.End()

	var hook models.GatewayWebhook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("order_id", hook.Data.OrderID),
		attribute.String("gateway_status", hook.Data.Status),
	)

	err := h.svc.HandleWebhook(ctx, hook)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case models.IsRetryable(err):
		span.RecordError(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrInvalidCommand),
		errors.Is(err, models.ErrAmountMismatch):
		h.logger.Warn("Webhook acknowledged without effect",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", hook.Data.OrderID),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": err.Error()})
	default:
		span.RecordError(err)
		respondError(c, h.logger, err)
	}
}

func (h *PaymentHandler) RequestRefund(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "RequestRefund")
	defer span.End()

	var body models.RefundRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderID := c.Param("orderId")
	event, err := h.svc.RequestRefund(ctx, orderID, body.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Refund request accepted",
		zap.String("order_id", orderID),
		zap.Any("requested_by", requestedBy(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{"event_id": event.EventID, "order_id": orderID})
}

func (h *PaymentHandler) Reconcile(c *gin.Context) {
	report, err := h.svc.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

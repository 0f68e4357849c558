package handlers

import (
	"context"
	"net/http"
	"strconv"

	"study-payment-svc/models"
	"study-payment-svc/settlement"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultExhaustedLimit = 50

type SettlementEngine interface {
	Run(ctx context.Context) (settlement.RunReport, error)
	Retry(ctx context.Context, id int64) (*models.Settlement, error)
	ListExhausted(ctx context.Context, limit int) ([]models.Settlement, error)
	Get(ctx context.Context, id int64) (*models.Settlement, error)
}

type SettlementHandler struct {
	engine SettlementEngine
	logger *zap.Logger
}

func NewSettlementHandler(engine SettlementEngine, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{
		engine: engine,
		logger: logger,
	}
}

func (h *SettlementHandler) Run(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "RunSettlement")
	defer span.End()

	report, err := h.engine.Run(ctx)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	if report.Skipped {
		c.JSON(http.StatusConflict, gin.H{"error": "Settlement run already in progress"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *SettlementHandler) ListExhausted(c *gin.Context) {
	limit := defaultExhaustedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	settlements, err := h.engine.ListExhausted(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}
	c.JSON(http.StatusOK, settlements)
}

func (h *SettlementHandler) Get(c *gin.Context) {
	id, ok := settlementID(c)
	if !ok {
		return
	}

	st, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *SettlementHandler) Retry(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "RetrySettlement")
	defer span.End()

	id, ok := settlementID(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("settlement_id", id))

	st, err := h.engine.Retry(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Settlement retry requested",
		zap.Int64("settlement_id", id),
		zap.Any("requested_by", requestedBy(c)),
	)
	c.JSON(http.StatusOK, st)
}

func settlementID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid settlement id"})
		return 0, false
	}
	return id, true
}

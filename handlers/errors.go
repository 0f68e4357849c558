package handlers

import (
	"errors"
	"net/http"

	"study-payment-svc/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidCommand), errors.Is(err, models.ErrAmountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPaymentNotFound), errors.Is(err, models.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition):
		return http.StatusConflict
	case models.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Internal errors are logged and hidden from the caller.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(code, gin.H{"error": "Internal server error"})
		return
	}
	if code == http.StatusServiceUnavailable {
		c.JSON(code, gin.H{"error": "Service temporarily unavailable"})
		return
	}
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidCommand), errors.Is(err, models.ErrAmountMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrPaymentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrInvalidStateTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case models.IsRetryable(err):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// requestedBy returns the authenticated user id set by the auth middleware.
func requestedBy(c *gin.Context) any {
	v, _ := c.Get("user_id")
	return v
}

package payment

import (
	"context"
	"errors"

	"study-payment-svc/gateway"
	"study-payment-svc/models"

	"go.uber.org/zap"
)

type ReconcileReport struct {
	Checked    int `json:"checked"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
	Escalated  int `json:"escalated"`
}

// Reconcile resolves payments whose gateway outcome was never recorded: EXECUTING rows
// older than the executing timeout and every UNKNOWN row. Each is queried by order id.
// A payment the gateway cannot be asked about is counted; once an EXECUTING payment
// reaches the attempt limit it is moved to UNKNOWN for operators.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	stale, err := s.repo.ListStale(ctx, s.now().Add(-s.cfg.ExecutingTimeout), s.cfg.ReconcileBatch)
	if err != nil {
		return report, err
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		switch s.reconcileOne(ctx, p) {
		case models.PaymentStatusSuccess:
			report.Succeeded++
		case models.PaymentStatusFailure:
			report.Failed++
		case escalated:
			report.Escalated++
		default:
			report.Unresolved++
		}
	}

	if report.Checked > 0 {
		s.logger.Info("Reconcile sweep finished",
			zap.Int("checked", report.Checked),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("unresolved", report.Unresolved),
			zap.Int("escalated", report.Escalated),
		)
	}
	return report, ctx.Err()
}

const escalated models.PaymentStatus = "ESCALATED"

func (s *Service) reconcileOne(ctx context.Context, p *models.Payment) models.PaymentStatus {
	logger := s.logger.With(
		zap.String("order_id", p.OrderID),
		zap.String("status", string(p.Status)),
	)

	result := s.executor.QueryByOrder(ctx, p.OrderID)

	if result.Status == models.PaymentStatusUnknown && errors.Is(result.Err, gateway.ErrNotConfirmed) {
		code := "NOT_CONFIRMED"
		if result.Failure != nil && result.Failure.Code != "" {
			code = result.Failure.Code
		}
		result = models.FailureResult(code, "payment was never confirmed at the gateway")
	}

	if result.Status == models.PaymentStatusUnknown && errors.Is(result.Err, gateway.ErrAwaitingDeposit) {
		// the gateway answered; the deposit webhook settles it
		logger.Info("Payment awaiting deposit")
		return models.PaymentStatusUnknown
	}

	if result.Status == models.PaymentStatusUnknown {
		attempts, err := s.repo.IncrementReconcileAttempts(ctx, p.OrderID)
		if err != nil {
			logger.Error("Failed to record reconcile attempt", zap.Error(err))
			return models.PaymentStatusUnknown
		}
		logger.Warn("Payment outcome still undecided after reconcile",
			zap.Int("attempts", attempts),
			zap.Error(result.Err),
		)

		if p.Status == models.PaymentStatusExecuting && attempts >= s.cfg.MaxReconcileAttempts {
			_, err := s.repo.ApplyResult(ctx, models.PaymentStatusCommand{
				OrderID: p.OrderID,
				Status:  models.PaymentStatusUnknown,
			}, nil)
			if err != nil {
				logger.Error("Failed to escalate payment", zap.Error(err))
				return models.PaymentStatusUnknown
			}
			s.cache.Invalidate(ctx, p.OrderID)
			logger.Error("Payment escalated to UNKNOWN after repeated reconcile failures", zap.Int("attempts", attempts))
			return escalated
		}
		return models.PaymentStatusUnknown
	}

	applied, err := s.repo.ApplyResult(ctx, models.CommandFromResult(p.OrderID, result), nil)
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) && applied != nil && applied.Status == result.Status {
			return applied.Status
		}
		logger.Error("Failed to apply reconciled result", zap.Error(err))
		return models.PaymentStatusUnknown
	}
	s.cache.Invalidate(ctx, p.OrderID)

	if result.Details != nil && result.Details.CancelledAt != nil {
		if _, err := s.repo.MarkCancelled(ctx, p.OrderID, *result.Details.CancelledAt, "gateway cancellation"); err != nil {
			logger.Error("Failed to record gateway cancellation", zap.Error(err))
		}
	}

	logger.Info("Payment reconciled", zap.String("resolved", string(applied.Status)))
	return applied.Status
}

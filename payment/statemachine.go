package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/database"
	"study-payment-svc/kafka"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"github.com/lib/pq"
)

// Claim ties a status write to an idempotency ledger entry in the same transaction.
type Claim struct {
	EventID   string
	EventType string
}

// BeginExecution moves a NOT_STARTED payment to EXECUTING. Exactly one of any number of
// concurrent callers succeeds; the others get the current row and a *models.TransitionError.
func (s *Store) BeginExecution(ctx context.Context, orderID, paymentKey string) (*models.Payment, error) {
	now := s.now()
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`UPDATE payments
		SET status = 'EXECUTING', payment_key = $2, execution_started_at = $3, updated_at = $3
		WHERE order_id = $1 AND status = 'NOT_STARTED'
		RETURNING `+paymentColumns,
		orderID, paymentKey, now,
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to begin execution for %s: %w", orderID, err)
	}

	current, err := s.get(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	return current, transitionError(current, models.PaymentStatusExecuting)
}

// ApplyResult records an execution outcome. The status update, the optional ledger claim
// and the downstream event commit together. A payment that is not in a source state of
// cmd.Status is returned unchanged with a *models.TransitionError.
func (s *Store) ApplyResult(ctx context.Context, cmd models.PaymentStatusCommand, claim *Claim) (*models.Payment, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var applied *models.Payment
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if claim != nil {
			first, err := s.ledger.Claim(ctx, tx, claim.EventID, claim.EventType)
			if err != nil {
				return err
			}
			if !first {
				return models.ErrDuplicateEvent
			}
		}

		var paymentKey, method, failureCode, failureMessage *string
		var approvedAt *time.Time
		if cmd.Details != nil {
			paymentKey = nonEmpty(cmd.Details.PaymentKey)
			method = nonEmpty(cmd.Details.Method)
			approvedAt = &cmd.Details.ApprovedAt
		}
		if cmd.Failure != nil {
			failureCode = nonEmpty(cmd.Failure.Code)
			failureMessage = nonEmpty(cmd.Failure.Message)
		}

		p, err := scanPayment(tx.QueryRowContext(ctx,
			`UPDATE payments
			SET status = $2,
				payment_key = COALESCE($3, payment_key),
				method = COALESCE($4, method),
				approved_at = COALESCE($5, approved_at),
				failure_code = CASE WHEN $10 THEN NULL ELSE COALESCE($6, failure_code) END,
				failure_message = CASE WHEN $10 THEN NULL ELSE COALESCE($7, failure_message) END,
				updated_at = $8
			WHERE order_id = $1 AND status = ANY($9)
			RETURNING `+paymentColumns,
			cmd.OrderID, string(cmd.Status), paymentKey, method, approvedAt, failureCode, failureMessage,
			s.now(), pq.Array(statusStrings(models.SourcesOf(cmd.Status))),
			cmd.Status == models.PaymentStatusSuccess,
		))
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.get(ctx, tx, cmd.OrderID)
			if getErr != nil {
				return getErr
			}
			applied = current
			return transitionError(current, cmd.Status)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s to %s: %w", cmd.Status, cmd.OrderID, err)
		}
		applied = p

		return s.emitOutcome(ctx, tx, p)
	})
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			return applied, err
		}
		return nil, err
	}

	middleware.RecordPaymentProcessed(string(applied.Status))
	return applied, nil
}

// MarkCancelled records a gateway cancellation on a SUCCESS payment. The status stays
// SUCCESS; cancelled_at is set once and later calls return the row unchanged.
func (s *Store) MarkCancelled(ctx context.Context, orderID string, cancelledAt time.Time, reason string) (*models.Payment, error) {
	var result *models.Payment
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := scanPayment(tx.QueryRowContext(ctx,
			`UPDATE payments SET cancelled_at = $2, updated_at = $3
			WHERE order_id = $1 AND status = 'SUCCESS' AND cancelled_at IS NULL
			RETURNING `+paymentColumns,
			orderID, cancelledAt, s.now(),
		))
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.get(ctx, tx, orderID)
			if getErr != nil {
				return getErr
			}
			result = current
			if current.Status == models.PaymentStatusSuccess && current.CancelledAt != nil {
				return nil
			}
			return &models.TransitionError{
				Entity: "payment",
				Key:    orderID,
				From:   string(current.Status),
				To:     "CANCELLED",
			}
		}
		if err != nil {
			return fmt.Errorf("failed to mark %s cancelled: %w", orderID, err)
		}
		result = p

		event, err := models.NewEvent(models.EventPaymentCancelled, p.OrderID, enrollmentPayload(p, reason))
		if err != nil {
			return err
		}
		return kafka.WriteOutbox(ctx, tx, s.topics.PaymentEnrollment, event)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnqueueRefund emits a REFUND_REQUESTED event for a SUCCESS payment that is not yet cancelled.
func (s *Store) EnqueueRefund(ctx context.Context, p *models.Payment, reason string) (models.Event, error) {
	if p.Status != models.PaymentStatusSuccess || p.CancelledAt != nil {
		return models.Event{}, &models.TransitionError{
			Entity: "payment",
			Key:    p.OrderID,
			From:   string(p.Status),
			To:     "REFUND_REQUESTED",
		}
	}

	event, err := models.NewEvent(models.EventRefundRequested, p.OrderID, models.RefundRequestedPayload{
		OrderID: p.OrderID,
		Reason:  reason,
	})
	if err != nil {
		return models.Event{}, err
	}
	if err := kafka.WriteOutbox(ctx, s.db, s.topics.RefundRequest, event); err != nil {
		return models.Event{}, err
	}
	return event, nil
}

func (s *Store) emitOutcome(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	var eventType string
	switch p.Status {
	case models.PaymentStatusSuccess:
		eventType = models.EventEnrollmentConfirmed
	case models.PaymentStatusFailure:
		eventType = models.EventEnrollmentRollback
	default:
		return nil
	}

	event, err := models.NewEvent(eventType, p.OrderID, enrollmentPayload(p, ""))
	if err != nil {
		return err
	}
	return kafka.WriteOutbox(ctx, tx, s.topics.PaymentEnrollment, event)
}

func enrollmentPayload(p *models.Payment, reason string) models.EnrollmentPayload {
	payload := models.EnrollmentPayload{
		PaymentID: p.ID,
		MemberID:  p.MemberID,
		StudyID:   p.StudyID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
		Status:    p.Status,
		Reason:    reason,
	}
	if p.FailureCode != nil {
		payload.FailureCode = *p.FailureCode
	}
	return payload
}

func transitionError(p *models.Payment, to models.PaymentStatus) error {
	return &models.TransitionError{
		Entity: "payment",
		Key:    p.OrderID,
		From:   string(p.Status),
		To:     string(to),
	}
}

func statusStrings(statuses []models.PaymentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

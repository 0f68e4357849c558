package payment

import (
	"context"
	"database/sql"
	"fmt"

	"study-payment-svc/kafka"
	"study-payment-svc/models"
)

// RegisterHandlers wires the payment-side consumers into d.
func (s *Service) RegisterHandlers(d *kafka.Dispatcher) {
	d.HandleTx(models.EventEnrollmentCreated, s.onEnrollmentCreated)
	d.HandleTx(models.EventStudyCreated, s.onStudyCreated)
	d.HandleEffect(models.EventRefundRequested, s.ApplyRefund)
}

func (s *Service) onEnrollmentCreated(ctx context.Context, tx *sql.Tx, event models.Event) error {
	var payload models.EnrollmentCreatedPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}

	_, err := s.CheckoutTx(ctx, tx, models.CheckoutRequest{
		MemberID: payload.MemberID,
		StudyID:  payload.StudyID,
		OrderID:  payload.OrderID,
		Amount:   payload.Amount,
		Method:   payload.Method,
	})
	return err
}

func (s *Service) onStudyCreated(ctx context.Context, tx *sql.Tx, event models.Event) error {
	var payload models.StudyCreatedPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}
	return s.ApplyStudyCreated(ctx, tx, payload)
}

package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"study-payment-svc/kafka"
	"study-payment-svc/models"

	"go.uber.org/zap"
)

// RegisterHandlers starts an early run whenever a study reports COMPLETED.
func (e *Engine) RegisterHandlers(d *kafka.Dispatcher) {
	d.HandleTx(models.EventStudyStatusChanged, e.onStudyStatusChanged)
}

func (e *Engine) onStudyStatusChanged(ctx context.Context, _ *sql.Tx, event models.Event) error {
	var payload models.StudyStatusChangedPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}
	if payload.Status != models.StudyStatusCompleted {
		return nil
	}

	e.logger.Info("Study completed, scheduling settlement run", zap.Int64("study_id", payload.StudyID))
	e.Trigger()
	return nil
}

package kafka

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"study-payment-svc/database"
	"study-payment-svc/ledger"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"go.uber.org/zap"
)

type TxHandlerFunc func(ctx context.Context, tx *sql.Tx, event models.Event) error

type EffectHandlerFunc func(ctx context.Context, event models.Event) error

// Dispatcher routes events by type and guards every handler with the idempotency ledger.
type Dispatcher struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	handlers map[string]func(ctx context.Context, event models.Event) error
	logger   *zap.Logger
}

func NewDispatcher(db *sql.DB, l *ledger.Ledger, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		ledger:   l,
		handlers: make(map[string]func(ctx context.Context, event models.Event) error),
		logger:   logger,
	}
}

// HandleTx registers fn for effects that are plain database writes. The ledger claim
// shares fn's transaction.
func (d *Dispatcher) HandleTx(eventType string, fn TxHandlerFunc) {
	d.handlers[eventType] = func(ctx context.Context, event models.Event) error {
		err := database.WithTx(ctx, d.db, func(tx *sql.Tx) error {
			first, err := d.ledger.Claim(ctx, tx, event.EventID, event.EventType)
			if err != nil {
				return err
			}
			if !first {
				return models.ErrDuplicateEvent
			}
			return fn(ctx, tx, event)
		})
		return err
	}
}

// HandleEffect registers fn for effects outside the database. fn must pass the event id
// downstream as an idempotency key: a reservation lost to a crash is recovered and the
// effect is re-applied.
func (d *Dispatcher) HandleEffect(eventType string, fn EffectHandlerFunc) {
	d.handlers[eventType] = func(ctx context.Context, event models.Event) error {
		if err := d.ledger.Reserve(ctx, event.EventID, event.EventType); err != nil {
			return err
		}

		if err := fn(ctx, event); err != nil {
			if models.IsRetryable(err) {
				// outcome unknown; the recovery sweep releases the reservation
				return err
			}
			if relErr := d.ledger.Release(ctx, event.EventID); relErr != nil {
				d.logger.Error("Failed to release reservation",
					zap.String("event_id", event.EventID),
					zap.Error(relErr),
				)
			}
			return err
		}

		if err := d.ledger.Finalize(ctx, event.EventID); err != nil {
			return fmt.Errorf("effect applied but not finalized: %w", err)
		}
		return nil
	}
}

// Handle runs the handler registered for event. Duplicates and unknown types are acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, event models.Event) error {
	handler, ok := d.handlers[event.EventType]
	if !ok {
		d.logger.Debug("No handler for event type", zap.String("event_type", event.EventType))
		middleware.RecordEventConsumed(event.EventType, "ignored")
		return nil
	}

	err := handler(ctx, event)
	switch {
	case err == nil:
		middleware.RecordEventConsumed(event.EventType, "applied")
		return nil
	case errors.Is(err, models.ErrDuplicateEvent):
		d.logger.Info("Duplicate event skipped",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
		)
		middleware.RecordEventConsumed(event.EventType, "duplicate")
		return nil
	}

	middleware.RecordEventConsumed(event.EventType, "error")
	return err
}

// Package ledger records which externally sourced events and requests have been applied.
//
// Two ways to guard an effect:
//
//   - Claim runs inside the caller's transaction, so the ledger row and the guarded
//     writes commit or roll back together.
//   - Reserve/Finalize/Release cover effects that live outside the database (gateway
//     cancels, member point grants). A RESERVED row left behind by a crash is removed by
//     RecoverStale, after which a redelivery re-applies the effect; those effects carry the
//     event id as their own idempotency key downstream.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/database"
	"study-payment-svc/models"

	"go.uber.org/zap"
)

const (
	StatusReserved = "RESERVED"
	StatusDone     = "DONE"
)

type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func New(db *sql.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Claim inserts the ledger row inside tx. It returns false when eventID was already
// claimed, in which case the caller must skip the effect and acknowledge delivery.
func (l *Ledger) Claim(ctx context.Context, tx database.DBTX, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", models.ErrInvalidCommand)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, status, reserved_at, processed_at)
		VALUES ($1, $2, 'DONE', NOW(), NOW())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// Reserve takes the first phase of a two-phase claim in its own transaction.
// It returns ErrDuplicateEvent when the event is already applied and ErrClaimInProgress
// while another worker holds the reservation.
func (l *Ledger) Reserve(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("%w: empty event id", models.ErrInvalidCommand)
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, status, reserved_at)
		VALUES ($1, $2, 'RESERVED', $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, l.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to reserve event %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = l.db.QueryRowContext(ctx,
		"SELECT status FROM processed_events WHERE event_id = $1",
		eventID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// released between our insert and select
		return models.ErrClaimInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to read reservation %s: %w", eventID, err)
	}

	if status == StatusDone {
		return models.ErrDuplicateEvent
	}
	return models.ErrClaimInProgress
}

// Finalize completes a reservation once the guarded effect is durable.
func (l *Ledger) Finalize(ctx context.Context, eventID string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE processed_events SET status = 'DONE', processed_at = $2 WHERE event_id = $1 AND status = 'RESERVED'",
		eventID, l.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize event %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation for event %s no longer held", eventID)
	}
	return nil
}

// Release drops a reservation after the effect definitely did not happen.
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE event_id = $1 AND status = 'RESERVED'",
		eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to release event %s: %w", eventID, err)
	}
	return nil
}

// IsProcessed reports whether eventID has a DONE entry.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var status string
	err := l.db.QueryRowContext(ctx,
		"SELECT status FROM processed_events WHERE event_id = $1",
		eventID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return status == StatusDone, nil
}

// RecoverStale removes reservations older than olderThan so their events can be redelivered.
func (l *Ledger) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().Add(-olderThan)
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE status = 'RESERVED' AND reserved_at < $1",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale reservations: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Warn("Released stale ledger reservations",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Purge compacts applied entries past the retention window.
func (l *Ledger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE status = 'DONE' AND processed_at < $1",
		l.now().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/database"
	"study-payment-svc/ledger"
	"study-payment-svc/models"
)

const paymentColumns = `id, member_id, study_id, order_id, payment_key, amount, method, status,
	failure_code, failure_message, reconcile_attempts, requested_at, execution_started_at,
	approved_at, cancelled_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID, &p.MemberID, &p.StudyID, &p.OrderID, &p.PaymentKey, &p.Amount, &p.Method, &p.Status,
		&p.FailureCode, &p.FailureMessage, &p.ReconcileAttempts, &p.RequestedAt, &p.ExecutionStartedAt,
		&p.ApprovedAt, &p.CancelledAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Store persists payments. Every status write goes through the transition table.
type Store struct {
	db     *sql.DB
	ledger *ledger.Ledger
	topics config.KafkaTopics
	now    func() time.Time
}

func NewStore(db *sql.DB, l *ledger.Ledger, topics config.KafkaTopics) *Store {
	return &Store{
		db:     db,
		ledger: l,
		topics: topics,
		now:    time.Now,
	}
}

func (s *Store) q(q database.DBTX) database.DBTX {
	if q == nil {
		return s.db
	}
	return q
}

func (s *Store) Get(ctx context.Context, orderID string) (*models.Payment, error) {
	return s.get(ctx, s.db, orderID)
}

func (s *Store) get(ctx context.Context, q database.DBTX, orderID string) (*models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1",
		orderID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", orderID, err)
	}
	return p, nil
}

// Create inserts a NOT_STARTED payment. Repeating it for the same order id returns the
// existing row; reusing an order id with different terms is rejected. When the study's
// deposit is known the amount must match it.
func (s *Store) Create(ctx context.Context, q database.DBTX, req models.CheckoutRequest) (*models.Payment, error) {
	q = s.q(q)

	deposit, err := s.getDeposit(ctx, q, req.StudyID)
	if err != nil {
		return nil, err
	}
	if deposit != nil && deposit.DepositAmount != req.Amount {
		return nil, fmt.Errorf("%w: study %d deposit is %d, got %d",
			models.ErrAmountMismatch, req.StudyID, deposit.DepositAmount, req.Amount)
	}

	p, err := scanPayment(q.QueryRowContext(ctx,
		`INSERT INTO payments (member_id, study_id, order_id, amount, method, status, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'NOT_STARTED', $6, $6)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+paymentColumns,
		req.MemberID, req.StudyID, req.OrderID, req.Amount, req.Method, s.now(),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create payment %s: %w", req.OrderID, err)
	}

	existing, err := s.get(ctx, q, req.OrderID)
	if err != nil {
		return nil, err
	}
	if existing.MemberID != req.MemberID || existing.StudyID != req.StudyID || existing.Amount != req.Amount {
		return nil, fmt.Errorf("%w: order id %s already used with different terms", models.ErrInvalidCommand, req.OrderID)
	}
	return existing, nil
}

// ListStale returns EXECUTING payments started before executingBefore and all UNKNOWN payments.
func (s *Store) ListStale(ctx context.Context, executingBefore time.Time, limit int) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE (status = 'EXECUTING' AND execution_started_at < $1) OR status = 'UNKNOWN'
		ORDER BY updated_at
		LIMIT $2`,
		executingBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) IncrementReconcileAttempts(ctx context.Context, orderID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		"UPDATE payments SET reconcile_attempts = reconcile_attempts + 1, updated_at = $2 WHERE order_id = $1 RETURNING reconcile_attempts",
		orderID, s.now(),
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record reconcile attempt for %s: %w", orderID, err)
	}
	return attempts, nil
}

func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.ledger.IsProcessed(ctx, eventID)
}

func (s *Store) UpsertDeposit(ctx context.Context, q database.DBTX, d models.StudyDeposit) error {
	_, err := s.q(q).ExecContext(ctx,
		`INSERT INTO study_deposits (study_id, deposit_amount, penalty_per_absence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (study_id) DO UPDATE
		SET deposit_amount = EXCLUDED.deposit_amount,
			penalty_per_absence = EXCLUDED.penalty_per_absence,
			updated_at = EXCLUDED.updated_at`,
		d.StudyID, d.DepositAmount, d.PenaltyPerAbsence, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deposit for study %d: %w", d.StudyID, err)
	}
	return nil
}

func (s *Store) getDeposit(ctx context.Context, q database.DBTX, studyID int64) (*models.StudyDeposit, error) {
	var d models.StudyDeposit
	err := q.QueryRowContext(ctx,
		"SELECT study_id, deposit_amount, penalty_per_absence FROM study_deposits WHERE study_id = $1",
		studyID,
	).Scan(&d.StudyID, &d.DepositAmount, &d.PenaltyPerAbsence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deposit for study %d: %w", studyID, err)
	}
	return &d, nil
}

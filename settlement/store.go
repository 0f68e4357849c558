package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"study-payment-svc/database"
	"study-payment-svc/models"
)

const settlementColumns = `id, study_id, status, attempt_count, retry_after, claimed_at, exhausted_at,
	last_error, created_at, updated_at, completed_at`

const itemColumns = `id, settlement_id, participant_id, member_id, deposit_paid, absence_count,
	attendance_count, penalty_amount, refund_amount, status, refund_transaction_id, last_error, updated_at`

// claimable matches settlements a run may pick up: due PENDING/FAILED rows that are not
// exhausted, and PROCESSING rows whose lease ran out. $1 is now, $2 the lease cutoff.
const claimable = `exhausted_at IS NULL AND (
		(status IN ('PENDING', 'FAILED') AND (attempt_count = 0 OR retry_after <= $1))
		OR (status = 'PROCESSING' AND claimed_at < $2)
	)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(
		&s.ID, &s.StudyID, &s.Status, &s.AttemptCount, &s.RetryAfter, &s.ClaimedAt, &s.ExhaustedAt,
		&s.LastError, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanItem(row rowScanner) (*models.SettlementItem, error) {
	var i models.SettlementItem
	err := row.Scan(
		&i.ID, &i.SettlementID, &i.ParticipantID, &i.MemberID, &i.DepositPaid, &i.AbsenceCount,
		&i.AttendanceCount, &i.PenaltyAmount, &i.RefundAmount, &i.Status, &i.RefundTransactionID,
		&i.LastError, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// PostgresStore persists settlements and their items.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// GetByStudy returns the settlement of a study, or nil when none exists.
func (s *PostgresStore) GetByStudy(ctx context.Context, studyID int64) (*models.Settlement, error) {
	st, err := scanSettlement(s.db.QueryRowContext(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE study_id = $1",
		studyID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement for study %d: %w", studyID, err)
	}
	return st, nil
}

// Create inserts the settlement of a study together with its items. A study without
// active participants is settled immediately. When another run created the settlement
// first, the existing row is returned with created=false.
func (s *PostgresStore) Create(ctx context.Context, study models.CompletedStudy) (*models.Settlement, bool, error) {
	items := buildItems(study)
	now := s.now()

	status := models.SettlementStatusPending
	var completedAt *time.Time
	if len(items) == 0 {
		status = models.SettlementStatusCompleted
		completedAt = &now
	}

	var st *models.Settlement
	created := true
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		st, err = scanSettlement(tx.QueryRowContext(ctx,
			`INSERT INTO settlements (study_id, status, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $3, $4)
			ON CONFLICT (study_id) DO NOTHING
			RETURNING `+settlementColumns,
			study.StudyID, status, now, completedAt,
		))
		if errors.Is(err, sql.ErrNoRows) {
			created = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create settlement for study %d: %w", study.StudyID, err)
		}

		for _, item := range items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO settlement_items (settlement_id, participant_id, member_id, deposit_paid,
					absence_count, attendance_count, penalty_amount, refund_amount, status, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', $9)
				ON CONFLICT (settlement_id, participant_id) DO NOTHING`,
				st.ID, item.ParticipantID, item.MemberID, item.DepositPaid,
				item.AbsenceCount, item.AttendanceCount, item.PenaltyAmount, item.RefundAmount, now,
			)
			if err != nil {
				return fmt.Errorf("failed to create item for participant %d: %w", item.ParticipantID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		existing, err := s.GetByStudy(ctx, study.StudyID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("settlement for study %d vanished after conflict", study.StudyID)
		}
		return existing, false, nil
	}
	return st, true, nil
}

func (s *PostgresStore) ListClaimable(ctx context.Context, now, leaseCutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM settlements WHERE "+claimable+" ORDER BY id LIMIT $3",
		now, leaseCutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable settlements: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim moves a claimable settlement to PROCESSING. false means another worker got it
// first or it is no longer due.
func (s *PostgresStore) Claim(ctx context.Context, id int64, now, leaseCutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = 'PROCESSING', claimed_at = $1, updated_at = $1
		WHERE id = $3 AND `+claimable,
		now, leaseCutoff, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim settlement %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Items(ctx context.Context, settlementID int64) ([]models.SettlementItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM settlement_items WHERE settlement_id = $1 ORDER BY id",
		settlementID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of settlement %d: %w", settlementID, err)
	}
	defer rows.Close()

	var items []models.SettlementItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// MarkItemProcessing returns false when the item is already COMPLETED.
func (s *PostgresStore) MarkItemProcessing(ctx context.Context, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_items SET status = 'PROCESSING', updated_at = $2
		WHERE id = $1 AND status <> 'COMPLETED'`,
		itemID, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %d processing: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, itemID int64, transactionID *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settlement_items SET status = 'COMPLETED', refund_transaction_id = $2, last_error = NULL, updated_at = $3
		WHERE id = $1`,
		itemID, transactionID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to complete item %d: %w", itemID, err)
	}
	return nil
}

func (s *PostgresStore) FailItem(ctx context.Context, itemID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE settlement_items SET status = 'FAILED', last_error = $2, updated_at = $3
		WHERE id = $1 AND status <> 'COMPLETED'`,
		itemID, reason, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to fail item %d: %w", itemID, err)
	}
	return nil
}

// Complete marks a PROCESSING settlement COMPLETED. It refuses while any item is not
// COMPLETED.
func (s *PostgresStore) Complete(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = 'COMPLETED', completed_at = $2, claimed_at = NULL,
			last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
			AND NOT EXISTS (SELECT 1 FROM settlement_items WHERE settlement_id = $1 AND status <> 'COMPLETED')`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to complete settlement %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &models.TransitionError{
			Entity: "settlement",
			Key:    strconv.FormatInt(id, 10),
			From:   "unfinished",
			To:     string(models.SettlementStatusCompleted),
		}
	}
	return nil
}

// Fail records a failed attempt on a PROCESSING settlement: the attempt count, the next
// retry time and, once the policy is out of attempts, exhausted_at. The counter is read
// and written in one transaction.
func (s *PostgresStore) Fail(ctx context.Context, id int64, reason string, now time.Time, policy RetryPolicy) (*models.Settlement, error) {
	var st *models.Settlement
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			"SELECT attempt_count FROM settlements WHERE id = $1 AND status = 'PROCESSING' FOR UPDATE",
			id,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.TransitionError{
				Entity: "settlement",
				Key:    strconv.FormatInt(id, 10),
				From:   "not processing",
				To:     string(models.SettlementStatusFailed),
			}
		}
		if err != nil {
			return fmt.Errorf("failed to lock settlement %d: %w", id, err)
		}

		attempts++
		retryAfter := now.Add(policy.Backoff(attempts))
		var exhaustedAt *time.Time
		if policy.Exhausted(attempts) {
			exhaustedAt = &now
		}

		st, err = scanSettlement(tx.QueryRowContext(ctx,
			`UPDATE settlements SET status = 'FAILED', attempt_count = $2, retry_after = $3,
				exhausted_at = $4, last_error = $5, claimed_at = NULL, updated_at = $6
			WHERE id = $1
			RETURNING `+settlementColumns,
			id, attempts, retryAfter, exhaustedAt, reason, now,
		))
		if err != nil {
			return fmt.Errorf("failed to record failed attempt on settlement %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns a settlement with its items.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.Settlement, error) {
	st, err := scanSettlement(s.db.QueryRowContext(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE id = $1",
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrSettlementNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement %d: %w", id, err)
	}

	st.Items, err = s.Items(ctx, id)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) ListExhausted(ctx context.Context, limit int) ([]models.Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE exhausted_at IS NOT NULL ORDER BY exhausted_at LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted settlements: %w", err)
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// Retry gives a FAILED settlement a fresh set of attempts, due immediately.
func (s *PostgresStore) Retry(ctx context.Context, id int64, now time.Time) (*models.Settlement, error) {
	st, err := scanSettlement(s.db.QueryRowContext(ctx,
		`UPDATE settlements SET exhausted_at = NULL, attempt_count = 0, retry_after = NULL, updated_at = $2
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+settlementColumns,
		id, now,
	))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to reset settlement %d: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &models.TransitionError{
		Entity: "settlement",
		Key:    strconv.FormatInt(id, 10),
		From:   string(current.Status),
		To:     string(models.SettlementStatusPending),
	}
}

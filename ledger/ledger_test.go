package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"study-payment-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func setupLedgerTest(t *testing.T) (*Ledger, *sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := New(db, zaptest.NewLogger(t))
	l.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l, db, mock
}

func TestClaim_FirstClaimerWins(t *testing.T) {
	l, db, mock := setupLedgerTest(t)

	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "ENROLLMENT_CREATED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", "ENROLLMENT_CREATED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := l.Claim(context.Background(), db, "evt-1", "ENROLLMENT_CREATED")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if !first {
		t.Errorf("Expected first claim to succeed")
	}

	second, err := l.Claim(context.Background(), db, "evt-1", "ENROLLMENT_CREATED")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if second {
		t.Errorf("Expected duplicate claim to be rejected")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestClaim_RejectsEmptyID(t *testing.T) {
	l, db, _ := setupLedgerTest(t)

	_, err := l.Claim(context.Background(), db, "", "X")
	if !errors.Is(err, models.ErrInvalidCommand) {
		t.Errorf("Expected ErrInvalidCommand, got %v", err)
	}
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name     string
		inserted int64
		status   string
		wantErr  error
	}{
		{name: "fresh reservation", inserted: 1},
		{name: "already applied", status: StatusDone, wantErr: models.ErrDuplicateEvent},
		{name: "held by another worker", status: StatusReserved, wantErr: models.ErrClaimInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, mock := setupLedgerTest(t)

			mock.ExpectExec("INSERT INTO processed_events").
				WithArgs("refund-1", "REFUND_REQUESTED", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.inserted))
			if tt.inserted == 0 {
				mock.ExpectQuery("SELECT status FROM processed_events").
					WithArgs("refund-1").
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.status))
			}

			err := l.Reserve(context.Background(), "refund-1", "REFUND_REQUESTED")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("Database expectations were not met: %v", err)
			}
		})
	}
}

func TestFinalize_LostReservation(t *testing.T) {
	l, _, mock := setupLedgerTest(t)

	mock.ExpectExec("UPDATE processed_events SET status = 'DONE'").
		WithArgs("refund-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := l.Finalize(context.Background(), "refund-1"); err == nil {
		t.Errorf("Expected error when reservation is gone")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestReleaseThenReserveAgain(t *testing.T) {
	l, _, mock := setupLedgerTest(t)

	mock.ExpectExec("DELETE FROM processed_events").
		WithArgs("refund-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("refund-1", "REFUND_REQUESTED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := l.Release(context.Background(), "refund-1"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if err := l.Reserve(context.Background(), "refund-1", "REFUND_REQUESTED"); err != nil {
		t.Errorf("Expected reservation after release, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestRecoverStale_UsesCutoff(t *testing.T) {
	l, _, mock := setupLedgerTest(t)

	cutoff := l.now().Add(-10 * time.Minute)
	mock.ExpectExec("DELETE FROM processed_events WHERE status = 'RESERVED'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := l.RecoverStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 recovered reservations, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestIsProcessed(t *testing.T) {
	l, _, mock := setupLedgerTest(t)

	mock.ExpectQuery("SELECT status FROM processed_events").
		WithArgs("evt-9").
		WillReturnError(sql.ErrNoRows)

	done, err := l.IsProcessed(context.Background(), "evt-9")
	if err != nil {
		t.Fatalf("IsProcessed returned error: %v", err)
	}
	if done {
		t.Errorf("Expected unknown event to be unprocessed")
	}
}

package kafka

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"study-payment-svc/ledger"
	"study-payment-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func setupDispatcherTest(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	return NewDispatcher(db, ledger.New(db, logger), logger), mock
}

func testEvent(eventType string) models.Event {
	return models.Event{EventID: "evt-1", EventType: eventType, AggregateKey: "order-1"}
}

func TestHandleTx_AppliesOnce(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	calls := 0
	d.HandleTx(models.EventStudyCreated, func(ctx context.Context, tx *sql.Tx, event models.Event) error {
		calls++
		_, err := tx.ExecContext(ctx, "INSERT INTO study_deposits (study_id) VALUES (1)")
		return err
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", models.EventStudyCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO study_deposits").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", models.EventStudyCreated).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	for i := 0; i < 2; i++ {
		if err := d.Handle(context.Background(), testEvent(models.EventStudyCreated)); err != nil {
			t.Fatalf("Delivery %d returned error: %v", i, err)
		}
	}

	if calls != 1 {
		t.Errorf("Expected handler to run once, ran %d times", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleTx_HandlerErrorRollsBackClaim(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	boom := errors.New("boom")
	d.HandleTx(models.EventStudyCreated, func(ctx context.Context, tx *sql.Tx, event models.Event) error {
		return boom
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	if err := d.Handle(context.Background(), testEvent(models.EventStudyCreated)); !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleEffect_FinalizesOnSuccess(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	d.HandleEffect(models.EventRefundRequested, func(ctx context.Context, event models.Event) error {
		return nil
	})

	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE processed_events SET status = 'DONE'").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := d.Handle(context.Background(), testEvent(models.EventRefundRequested)); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleEffect_DuplicateSkipsEffect(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	called := false
	d.HandleEffect(models.EventRefundRequested, func(ctx context.Context, event models.Event) error {
		called = true
		return nil
	})

	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM processed_events").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(ledger.StatusDone))

	if err := d.Handle(context.Background(), testEvent(models.EventRefundRequested)); err != nil {
		t.Errorf("Expected duplicate to be acknowledged, got %v", err)
	}
	if called {
		t.Errorf("Expected effect not to run for a duplicate")
	}
}

func TestHandleEffect_DefiniteFailureReleases(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	d.HandleEffect(models.EventRefundRequested, func(ctx context.Context, event models.Event) error {
		return errors.New("card issuer rejected cancel")
	})

	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM processed_events").WithArgs("evt-1").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := d.Handle(context.Background(), testEvent(models.EventRefundRequested)); err == nil {
		t.Errorf("Expected error to be returned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleEffect_UnknownOutcomeKeepsReservation(t *testing.T) {
	d, mock := setupDispatcherTest(t)

	d.HandleEffect(models.EventRefundRequested, func(ctx context.Context, event models.Event) error {
		return models.ErrGatewayTimeout
	})

	mock.ExpectExec("INSERT INTO processed_events").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := d.Handle(context.Background(), testEvent(models.EventRefundRequested)); !errors.Is(err, models.ErrGatewayTimeout) {
		t.Errorf("Expected ErrGatewayTimeout, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandle_UnknownTypeIsAcknowledged(t *testing.T) {
	d, _ := setupDispatcherTest(t)

	if err := d.Handle(context.Background(), testEvent("SOMETHING_ELSE")); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/models"

	"go.uber.org/zap/zaptest"
)

type fakeGateway struct {
	quotedAmount int64
	confirmCode  int
	confirmBody  string
	confirmDelay time.Duration
	confirms     atomic.Int32
	lastIdemKey  atomic.Value
}

func (f *fakeGateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/payments/{key}", func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "test_sk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Payment{
			PaymentKey:  r.PathValue("key"),
			OrderID:     "order-1",
			Status:      StatusReady,
			TotalAmount: f.quotedAmount,
		})
	})
	mux.HandleFunc("GET /v1/payments/orders/{orderId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"NOT_FOUND_PAYMENT","message":"no such payment"}`))
	})
	mux.HandleFunc("POST /v1/payments/confirm", func(w http.ResponseWriter, r *http.Request) {
		f.confirms.Add(1)
		f.lastIdemKey.Store(r.Header.Get("Idempotency-Key"))
		if f.confirmDelay > 0 {
			time.Sleep(f.confirmDelay)
		}
		w.WriteHeader(f.confirmCode)
		w.Write([]byte(f.confirmBody))
	})
	return mux
}

func setupExecutorTest(t *testing.T, f *fakeGateway, timeout time.Duration) *Executor {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	client := NewClient(config.GatewayConfig{
		BaseURL:      srv.URL,
		SecretKey:    "test_sk",
		Timeout:      timeout,
		MaxFailures:  5,
		ResetTimeout: time.Minute,
	}, logger)
	return NewExecutor(client, logger)
}

func TestExecute_Success(t *testing.T) {
	f := &fakeGateway{
		quotedAmount: 10000,
		confirmCode:  http.StatusOK,
		confirmBody:  `{"paymentKey":"pk-1","orderId":"order-1","status":"DONE","method":"CARD","totalAmount":10000,"approvedAt":"2025-03-01T10:00:00+09:00"}`,
	}
	e := setupExecutorTest(t, f, time.Second)

	result := e.Execute(context.Background(), ConfirmCommand{PaymentKey: "pk-1", OrderID: "order-1", Amount: 10000})

	if result.Status != models.PaymentStatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s (%v)", result.Status, result.Err)
	}
	if result.Details.Method != "CARD" || result.Details.ApprovedAt.IsZero() {
		t.Errorf("Expected populated details, got %+v", result.Details)
	}
	if key, _ := f.lastIdemKey.Load().(string); key != "order-1" {
		t.Errorf("Expected Idempotency-Key order-1, got %q", key)
	}
}

func TestExecute_AmountMismatchNeverConfirms(t *testing.T) {
	f := &fakeGateway{quotedAmount: 9000, confirmCode: http.StatusOK}
	e := setupExecutorTest(t, f, time.Second)

	result := e.Execute(context.Background(), ConfirmCommand{PaymentKey: "pk-1", OrderID: "order-1", Amount: 10000})

	if result.Status != models.PaymentStatusFailure {
		t.Errorf("Expected FAILURE, got %s", result.Status)
	}
	if !errors.Is(result.Err, models.ErrAmountMismatch) {
		t.Errorf("Expected ErrAmountMismatch, got %v", result.Err)
	}
	if f.confirms.Load() != 0 {
		t.Errorf("Expected no confirm call, got %d", f.confirms.Load())
	}
}

func TestExecute_RejectedIsFailure(t *testing.T) {
	f := &fakeGateway{
		quotedAmount: 10000,
		confirmCode:  http.StatusBadRequest,
		confirmBody:  `{"code":"REJECT_CARD_PAYMENT","message":"limit exceeded"}`,
	}
	e := setupExecutorTest(t, f, time.Second)

	result := e.Execute(context.Background(), ConfirmCommand{PaymentKey: "pk-1", OrderID: "order-1", Amount: 10000})

	if result.Status != models.PaymentStatusFailure {
		t.Fatalf("Expected FAILURE, got %s", result.Status)
	}
	if result.Failure.Code != "REJECT_CARD_PAYMENT" {
		t.Errorf("Expected gateway code, got %s", result.Failure.Code)
	}
}

func TestExecute_TimeoutIsUnknown(t *testing.T) {
	f := &fakeGateway{quotedAmount: 10000, confirmCode: http.StatusOK, confirmDelay: 200 * time.Millisecond}
	e := setupExecutorTest(t, f, 50*time.Millisecond)

	result := e.Execute(context.Background(), ConfirmCommand{PaymentKey: "pk-1", OrderID: "order-1", Amount: 10000})

	if result.Status != models.PaymentStatusUnknown {
		t.Fatalf("Expected UNKNOWN, got %s", result.Status)
	}
	if !errors.Is(result.Err, models.ErrGatewayTimeout) {
		t.Errorf("Expected ErrGatewayTimeout, got %v", result.Err)
	}
}

func TestExecute_ServerErrorIsUnknown(t *testing.T) {
	f := &fakeGateway{quotedAmount: 10000, confirmCode: http.StatusBadGateway}
	e := setupExecutorTest(t, f, time.Second)

	result := e.Execute(context.Background(), ConfirmCommand{PaymentKey: "pk-1", OrderID: "order-1", Amount: 10000})

	if !errors.Is(result.Err, models.ErrGatewayUnavailable) {
		t.Errorf("Expected ErrGatewayUnavailable, got %v", result.Err)
	}
}

func TestQueryByOrder_NotFound(t *testing.T) {
	e := setupExecutorTest(t, &fakeGateway{}, time.Second)

	result := e.QueryByOrder(context.Background(), "order-404")

	if !errors.Is(result.Err, ErrNotConfirmed) {
		t.Errorf("Expected ErrNotConfirmed, got %v", result.Err)
	}
}

func TestResultFromPayment(t *testing.T) {
	tests := []struct {
		status string
		want   models.PaymentStatus
	}{
		{StatusDone, models.PaymentStatusSuccess},
		{StatusCanceled, models.PaymentStatusSuccess},
		{StatusAborted, models.PaymentStatusFailure},
		{StatusExpired, models.PaymentStatusFailure},
		{StatusInProgress, models.PaymentStatusUnknown},
		{StatusWaitingForDeposit, models.PaymentStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			result := resultFromPayment(&Payment{
				Status:     tt.status,
				ApprovedAt: "2025-03-01T10:00:00+09:00",
				Cancels:    []Cancel{{CanceledAt: "2025-03-02T10:00:00+09:00"}},
			})
			if result.Status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, result.Status)
			}
		})
	}
}

func TestResultFromPayment_OnlyUnconfirmedStatusesAreNotConfirmed(t *testing.T) {
	tests := []struct {
		status       string
		notConfirmed bool
	}{
		{StatusReady, true},
		{StatusInProgress, true},
		{StatusWaitingForDeposit, false},
		{"SOMETHING_NEW", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			result := resultFromPayment(&Payment{Status: tt.status})
			if result.Status != models.PaymentStatusUnknown {
				t.Fatalf("Expected UNKNOWN, got %s", result.Status)
			}
			if got := errors.Is(result.Err, ErrNotConfirmed); got != tt.notConfirmed {
				t.Errorf("Expected ErrNotConfirmed=%v, got %v (%v)", tt.notConfirmed, got, result.Err)
			}
		})
	}

	if result := resultFromPayment(&Payment{Status: StatusWaitingForDeposit}); !errors.Is(result.Err, ErrAwaitingDeposit) {
		t.Errorf("Expected ErrAwaitingDeposit, got %v", result.Err)
	}
}

func TestRejectedError_IsPermanentRejection(t *testing.T) {
	var err error = &RejectedError{StatusCode: 403, Code: "NOT_CANCELABLE_PAYMENT"}

	if !errors.Is(err, models.ErrGatewayRejected) {
		t.Errorf("Expected rejection to match ErrGatewayRejected")
	}
	if models.IsRetryable(err) {
		t.Errorf("Expected rejection not to be retryable")
	}
}

package handlers

import (
	"context"
	"testing"
	"time"

	"study-payment-svc/models"
	"study-payment-svc/payment"
	"study-payment-svc/settlement"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

type fakePaymentService struct {
	confirmView  *models.PaymentView
	confirmErr   error
	webhookErr   error
	getErr       error
	refundErr    error
	confirmCalls int
	lastHook     models.GatewayWebhook
}

func (f *fakePaymentService) Checkout(ctx context.Context, req models.CheckoutRequest) (*models.Payment, error) {
	return &models.Payment{ID: 1, OrderID: req.OrderID, Amount: req.Amount, Status: models.PaymentStatusNotStarted}, nil
}

func (f *fakePaymentService) Confirm(ctx context.Context, req models.ConfirmPaymentRequest) (*models.PaymentView, error) {
	f.confirmCalls++
	return f.confirmView, f.confirmErr
}

func (f *fakePaymentService) Get(ctx context.Context, orderID string) (*models.PaymentView, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return models.NewPaymentView(&models.Payment{OrderID: orderID, Status: models.PaymentStatusSuccess}), nil
}

func (f *fakePaymentService) HandleWebhook(ctx context.Context, hook models.GatewayWebhook) error {
	f.lastHook = hook
	return f.webhookErr
}

func (f *fakePaymentService) RequestRefund(ctx context.Context, orderID, reason string) (models.Event, error) {
	if f.refundErr != nil {
		return models.Event{}, f.refundErr
	}
	return models.Event{EventID: "evt-1", EventType: models.EventRefundRequested}, nil
}

func (f *fakePaymentService) Reconcile(ctx context.Context) (payment.ReconcileReport, error) {
	return payment.ReconcileReport{Checked: 2, Succeeded: 1, Unresolved: 1}, nil
}

type fakeEngine struct {
	report   settlement.RunReport
	retryErr error
}

func (f *fakeEngine) Run(ctx context.Context) (settlement.RunReport, error) {
	return f.report, nil
}

func (f *fakeEngine) Retry(ctx context.Context, id int64) (*models.Settlement, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return &models.Settlement{ID: id, Status: models.SettlementStatusFailed}, nil
}

func (f *fakeEngine) ListExhausted(ctx context.Context, limit int) ([]models.Settlement, error) {
	return nil, nil
}

func (f *fakeEngine) Get(ctx context.Context, id int64) (*models.Settlement, error) {
	if id == 7 {
		return &models.Settlement{ID: 7, StudyID: 100, Status: models.SettlementStatusCompleted}, nil
	}
	return nil, models.ErrSettlementNotFound
}

func setupRouterTest(t *testing.T) (*gin.Engine, *fakePaymentService, *fakeEngine) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	svc := &fakePaymentService{}
	engine := &fakeEngine{}
	router := NewRouter(RouterConfig{
		ServiceName: "study-payment-service",
		JWTSecret:   testSecret,
		Payments:    NewPaymentHandler(svc, logger),
		Settlements: NewSettlementHandler(engine, logger),
		Logger:      logger,
	})
	return router, svc, engine
}

func adminToken(t *testing.T) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 1,
		"role":    "admin",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return "Bearer " + s
}

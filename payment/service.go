// Package payment owns the payment state machine and the operations built on it:
// checkout, confirm, webhook handling, refunds and the reconcile sweep.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/database"
	"study-payment-svc/gateway"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Repository is the persistence the service needs. *Store implements it.
type Repository interface {
	Get(ctx context.Context, orderID string) (*models.Payment, error)
	Create(ctx context.Context, q database.DBTX, req models.CheckoutRequest) (*models.Payment, error)
	ListStale(ctx context.Context, executingBefore time.Time, limit int) ([]*models.Payment, error)
	IncrementReconcileAttempts(ctx context.Context, orderID string) (int, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	UpsertDeposit(ctx context.Context, q database.DBTX, d models.StudyDeposit) error
	BeginExecution(ctx context.Context, orderID, paymentKey string) (*models.Payment, error)
	ApplyResult(ctx context.Context, cmd models.PaymentStatusCommand, claim *Claim) (*models.Payment, error)
	MarkCancelled(ctx context.Context, orderID string, cancelledAt time.Time, reason string) (*models.Payment, error)
	EnqueueRefund(ctx context.Context, p *models.Payment, reason string) (models.Event, error)
}

// Executor performs gateway calls. *gateway.Executor implements it.
type Executor interface {
	Ready() bool
	Execute(ctx context.Context, cmd gateway.ConfirmCommand) models.ExecutionResult
	Lookup(ctx context.Context, paymentKey string) models.ExecutionResult
	QueryByOrder(ctx context.Context, orderID string) models.ExecutionResult
	Cancel(ctx context.Context, paymentKey, reason, idempotencyKey string) (time.Time, error)
}

// ViewCache holds decided payment views.
type ViewCache interface {
	GetView(ctx context.Context, orderID string) (*models.PaymentView, bool)
	SetView(ctx context.Context, view *models.PaymentView)
	Invalidate(ctx context.Context, orderID string)
}

type Service struct {
	repo     Repository
	executor Executor
	cache    ViewCache
	cfg      config.PaymentConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, executor Executor, cache ViewCache, cfg config.PaymentConfig, logger *zap.Logger) *Service {
	if cache == nil {
		cache = noCache{}
	}
	return &Service{
		repo:     repo,
		executor: executor,
		cache:    cache,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// ErrGatewayNotReady is returned by Confirm while the gateway circuit is open.
var ErrGatewayNotReady = fmt.Errorf("%w: circuit open", models.ErrGatewayUnavailable)

func (s *Service) Checkout(ctx context.Context, req models.CheckoutRequest) (*models.Payment, error) {
	return s.CheckoutTx(ctx, nil, req)
}

// CheckoutTx creates the payment inside q, which may be the transaction holding a ledger claim.
func (s *Service) CheckoutTx(ctx context.Context, q database.DBTX, req models.CheckoutRequest) (*models.Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}

	p, err := s.repo.Create(ctx, q, req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payment checkout recorded",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", p.OrderID),
		zap.Int64("amount", p.Amount),
	)
	return p, nil
}

// Confirm executes the payment for req.OrderID at most once. Repeated and concurrent calls
// return the persisted view; only the caller that wins BeginExecution calls the gateway.
func (s *Service) Confirm(ctx context.Context, req models.ConfirmPaymentRequest) (*models.PaymentView, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}

	p, err := s.repo.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if p.StudyID != req.StudyID {
		return nil, fmt.Errorf("%w: order %s does not belong to study %d", models.ErrInvalidCommand, req.OrderID, req.StudyID)
	}
	if p.Amount != req.Amount {
		return nil, fmt.Errorf("%w: order %s expects %d, got %d", models.ErrAmountMismatch, req.OrderID, p.Amount, req.Amount)
	}
	if p.Status != models.PaymentStatusNotStarted {
		if err := checkReplay(p, req); err != nil {
			return nil, err
		}
		return models.NewPaymentView(p), nil
	}
	if !s.executor.Ready() {
		return nil, ErrGatewayNotReady
	}

	begun, err := s.repo.BeginExecution(ctx, req.OrderID, req.PaymentKey)
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) && begun != nil {
			if err := checkReplay(begun, req); err != nil {
				return nil, err
			}
			return models.NewPaymentView(begun), nil
		}
		return nil, err
	}

	// the caller going away must not strand the payment between gateway and database
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", req.OrderID),
	)

	result := s.executor.Execute(ctx, gateway.ConfirmCommand{
		PaymentKey: req.PaymentKey,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
	})

	if result.Status == models.PaymentStatusUnknown {
		logger.Warn("Payment outcome unknown, left EXECUTING for reconciliation", zap.Error(result.Err))
		return models.NewPaymentView(begun), nil
	}

	applied, err := s.repo.ApplyResult(ctx, models.CommandFromResult(req.OrderID, result), nil)
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) && applied != nil {
			logger.Info("Payment decided concurrently", zap.String("status", string(applied.Status)))
			return s.cached(ctx, applied), nil
		}
		return nil, err
	}

	logger.Info("Payment confirmed", zap.String("status", string(applied.Status)))
	view := s.cached(ctx, applied)
	if errors.Is(result.Err, models.ErrAmountMismatch) {
		return view, result.Err
	}
	return view, nil
}

// checkReplay rejects a confirm for an order already started under another payment key.
func checkReplay(p *models.Payment, req models.ConfirmPaymentRequest) error {
	if p.PaymentKey != nil && *p.PaymentKey != req.PaymentKey {
		return fmt.Errorf("%w: order %s was confirmed with a different payment key", models.ErrInvalidCommand, req.OrderID)
	}
	return nil
}

// HandleWebhook applies a gateway status notification. The notification body is only a
// hint: the authoritative status is fetched from the gateway before anything is written.
func (s *Service) HandleWebhook(ctx context.Context, hook models.GatewayWebhook) error {
	eventID := hook.EventID()
	logger := s.logger.With(
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("event_id", eventID),
		zap.String("order_id", hook.Data.OrderID),
	)

	done, err := s.repo.IsProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if done {
		logger.Info("Duplicate webhook skipped")
		return nil
	}

	p, err := s.repo.Get(ctx, hook.Data.OrderID)
	if err != nil {
		return err
	}

	paymentKey := hook.Data.PaymentKey
	if paymentKey == "" && p.PaymentKey != nil {
		paymentKey = *p.PaymentKey
	}

	var result models.ExecutionResult
	if paymentKey != "" {
		result = s.executor.Lookup(ctx, paymentKey)
	} else {
		result = s.executor.QueryByOrder(ctx, p.OrderID)
	}

	if result.Status == models.PaymentStatusUnknown {
		if models.IsRetryable(result.Err) {
			return result.Err
		}
		logger.Info("Webhook for payment not yet confirmed at gateway", zap.Error(result.Err))
		return nil
	}
	if result.Details != nil {
		if result.Details.OrderID != "" && result.Details.OrderID != p.OrderID {
			return fmt.Errorf("%w: payment key belongs to order %s", models.ErrInvalidCommand, result.Details.OrderID)
		}
		if result.Details.TotalAmount != 0 && result.Details.TotalAmount != p.Amount {
			logger.Error("Gateway reports a different amount than recorded",
				zap.Int64("recorded", p.Amount),
				zap.Int64("gateway", result.Details.TotalAmount),
			)
			return fmt.Errorf("%w: gateway reports %d", models.ErrAmountMismatch, result.Details.TotalAmount)
		}
	}

	if p.Status == models.PaymentStatusSuccess && result.Status == models.PaymentStatusSuccess {
		if result.Details != nil && result.Details.CancelledAt != nil {
			_, err := s.repo.MarkCancelled(ctx, p.OrderID, *result.Details.CancelledAt, "gateway cancellation")
			s.cache.Invalidate(ctx, p.OrderID)
			return err
		}
		return nil
	}

	applied, err := s.repo.ApplyResult(ctx, models.CommandFromResult(p.OrderID, result), &Claim{
		EventID:   eventID,
		EventType: models.EventGatewayWebhook,
	})
	switch {
	case errors.Is(err, models.ErrDuplicateEvent):
		logger.Info("Duplicate webhook skipped")
		return nil
	case errors.Is(err, models.ErrInvalidStateTransition):
		logger.Warn("Webhook transition rejected", zap.Error(err))
		return err
	case err != nil:
		return err
	}

	s.cache.Invalidate(ctx, p.OrderID)
	logger.Info("Webhook applied", zap.String("status", string(applied.Status)))
	return nil
}

// RequestRefund asks for a gateway cancellation of a SUCCESS payment. The cancel itself
// runs when the REFUND_REQUESTED event is consumed.
func (s *Service) RequestRefund(ctx context.Context, orderID, reason string) (models.Event, error) {
	p, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return models.Event{}, err
	}

	event, err := s.repo.EnqueueRefund(ctx, p, reason)
	if err != nil {
		return models.Event{}, err
	}

	s.logger.Info("Refund requested",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", orderID),
		zap.String("event_id", event.EventID),
	)
	return event, nil
}

// ApplyRefund cancels the payment at the gateway using the event id as idempotency key,
// then records the cancellation.
func (s *Service) ApplyRefund(ctx context.Context, event models.Event) error {
	var payload models.RefundRequestedPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidCommand, err)
	}

	p, err := s.repo.Get(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if p.CancelledAt != nil {
		return nil
	}
	if p.Status != models.PaymentStatusSuccess {
		return transitionError(p, "CANCELLED")
	}
	if p.PaymentKey == nil {
		return fmt.Errorf("%w: payment %s has no payment key", models.ErrInvalidCommand, p.OrderID)
	}

	cancelledAt, err := s.executor.Cancel(ctx, *p.PaymentKey, payload.Reason, event.EventID)
	if err != nil {
		if errors.Is(err, models.ErrGatewayRejected) {
			s.logger.Error("Gateway refused cancellation",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.String("order_id", p.OrderID),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
		}
		return err
	}

	if _, err := s.repo.MarkCancelled(ctx, p.OrderID, cancelledAt, payload.Reason); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, p.OrderID)

	s.logger.Info("Payment cancelled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", p.OrderID),
		zap.Time("cancelled_at", cancelledAt),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*models.PaymentView, error) {
	if view, ok := s.cache.GetView(ctx, orderID); ok {
		return view, nil
	}
	p, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.cached(ctx, p), nil
}

// ApplyStudyCreated records the deposit terms used to validate checkouts.
func (s *Service) ApplyStudyCreated(ctx context.Context, q database.DBTX, payload models.StudyCreatedPayload) error {
	if payload.StudyID <= 0 || payload.DepositAmount < 0 || payload.PenaltyPerAbsence < 0 {
		return fmt.Errorf("%w: invalid study deposit terms", models.ErrInvalidCommand)
	}
	return s.repo.UpsertDeposit(ctx, q, models.StudyDeposit{
		StudyID:           payload.StudyID,
		DepositAmount:     payload.DepositAmount,
		PenaltyPerAbsence: payload.PenaltyPerAbsence,
	})
}

func (s *Service) cached(ctx context.Context, p *models.Payment) *models.PaymentView {
	view := models.NewPaymentView(p)
	if !view.InProgress {
		s.cache.SetView(ctx, view)
	}
	return view
}

type noCache struct{}

func (noCache) GetView(context.Context, string) (*models.PaymentView, bool) { return nil, false }
func (noCache) SetView(context.Context, *models.PaymentView)                {}
func (noCache) Invalidate(context.Context, string)                          {}

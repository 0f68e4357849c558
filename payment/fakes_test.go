package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"study-payment-svc/database"
	"study-payment-svc/gateway"
	"study-payment-svc/models"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository that enforces the same transition table.
type memRepo struct {
	mu        sync.Mutex
	payments  map[string]*models.Payment
	processed map[string]bool
	deposits  map[int64]models.StudyDeposit
	events    []models.Event
}

func newMemRepo(payments ...*models.Payment) *memRepo {
	r := &memRepo{
		payments:  make(map[string]*models.Payment),
		processed: make(map[string]bool),
		deposits:  make(map[int64]models.StudyDeposit),
	}
	for _, p := range payments {
		r.payments[p.OrderID] = p
	}
	return r
}

func (r *memRepo) snapshot(orderID string) *models.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.payments[orderID]
	return &cp
}

func (r *memRepo) Get(ctx context.Context, orderID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) Create(ctx context.Context, q database.DBTX, req models.CheckoutRequest) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deposits[req.StudyID]; ok && d.DepositAmount != req.Amount {
		return nil, models.ErrAmountMismatch
	}
	if p, ok := r.payments[req.OrderID]; ok {
		cp := *p
		return &cp, nil
	}
	p := &models.Payment{
		ID:       int64(len(r.payments) + 1),
		MemberID: req.MemberID,
		StudyID:  req.StudyID,
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Status:   models.PaymentStatusNotStarted,
	}
	r.payments[req.OrderID] = p
	cp := *p
	return &cp, nil
}

func (r *memRepo) ListStale(ctx context.Context, executingBefore time.Time, limit int) ([]*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Payment
	for _, p := range r.payments {
		stale := p.Status == models.PaymentStatusUnknown ||
			(p.Status == models.PaymentStatusExecuting && p.ExecutionStartedAt != nil && p.ExecutionStartedAt.Before(executingBefore))
		if stale {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) IncrementReconcileAttempts(ctx context.Context, orderID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[orderID].ReconcileAttempts++
	return r.payments[orderID].ReconcileAttempts, nil
}

func (r *memRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[eventID], nil
}

func (r *memRepo) UpsertDeposit(ctx context.Context, q database.DBTX, d models.StudyDeposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits[d.StudyID] = d
	return nil
}

func (r *memRepo) BeginExecution(ctx context.Context, orderID, paymentKey string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	if p.Status != models.PaymentStatusNotStarted {
		cp := *p
		return &cp, transitionError(p, models.PaymentStatusExecuting)
	}
	now := time.Now()
	p.Status = models.PaymentStatusExecuting
	p.PaymentKey = &paymentKey
	p.ExecutionStartedAt = &now
	cp := *p
	return &cp, nil
}

func (r *memRepo) ApplyResult(ctx context.Context, cmd models.PaymentStatusCommand, claim *Claim) (*models.Payment, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if claim != nil && r.processed[claim.EventID] {
		return nil, models.ErrDuplicateEvent
	}
	p, ok := r.payments[cmd.OrderID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	if !p.Status.CanTransition(cmd.Status) {
		cp := *p
		return &cp, transitionError(p, cmd.Status)
	}
	p.Status = cmd.Status
	if cmd.Details != nil {
		approved := cmd.Details.ApprovedAt
		p.ApprovedAt = &approved
		p.Method = cmd.Details.Method
	}
	if cmd.Failure != nil {
		code := cmd.Failure.Code
		p.FailureCode = &code
	}
	if claim != nil {
		r.processed[claim.EventID] = true
	}
	switch p.Status {
	case models.PaymentStatusSuccess:
		r.emit(models.EventEnrollmentConfirmed, p.OrderID)
	case models.PaymentStatusFailure:
		r.emit(models.EventEnrollmentRollback, p.OrderID)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) MarkCancelled(ctx context.Context, orderID string, cancelledAt time.Time, reason string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payments[orderID]
	if p.Status != models.PaymentStatusSuccess {
		return nil, transitionError(p, "CANCELLED")
	}
	if p.CancelledAt == nil {
		p.CancelledAt = &cancelledAt
		r.emit(models.EventPaymentCancelled, orderID)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) EnqueueRefund(ctx context.Context, p *models.Payment, reason string) (models.Event, error) {
	if p.Status != models.PaymentStatusSuccess || p.CancelledAt != nil {
		return models.Event{}, transitionError(p, "REFUND_REQUESTED")
	}
	event, err := models.NewEvent(models.EventRefundRequested, p.OrderID, models.RefundRequestedPayload{OrderID: p.OrderID, Reason: reason})
	if err != nil {
		return models.Event{}, err
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return event, nil
}

func (r *memRepo) emit(eventType, key string) {
	r.events = append(r.events, models.Event{EventID: uuid.NewString(), EventType: eventType, AggregateKey: key})
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeExecutor struct {
	ready        bool
	executeDelay time.Duration
	execute      func(cmd gateway.ConfirmCommand) models.ExecutionResult
	lookup       func(paymentKey string) models.ExecutionResult
	query        func(orderID string) models.ExecutionResult
	cancel       func(paymentKey, idempotencyKey string) (time.Time, error)

	executeCalls atomic.Int32
	cancelCalls  atomic.Int32
}

func (f *fakeExecutor) Ready() bool { return f.ready }

func (f *fakeExecutor) Execute(ctx context.Context, cmd gateway.ConfirmCommand) models.ExecutionResult {
	f.executeCalls.Add(1)
	if f.executeDelay > 0 {
		time.Sleep(f.executeDelay)
	}
	return f.execute(cmd)
}

func (f *fakeExecutor) Lookup(ctx context.Context, paymentKey string) models.ExecutionResult {
	return f.lookup(paymentKey)
}

func (f *fakeExecutor) QueryByOrder(ctx context.Context, orderID string) models.ExecutionResult {
	return f.query(orderID)
}

func (f *fakeExecutor) Cancel(ctx context.Context, paymentKey, reason, idempotencyKey string) (time.Time, error) {
	f.cancelCalls.Add(1)
	return f.cancel(paymentKey, idempotencyKey)
}

func successResult(orderID string, amount int64) models.ExecutionResult {
	return models.ExecutionResult{
		Status: models.PaymentStatusSuccess,
		Details: &models.ExecutionDetails{
			PaymentKey:  "pk-1",
			OrderID:     orderID,
			Method:      "CARD",
			TotalAmount: amount,
			ApprovedAt:  time.Now(),
		},
	}
}

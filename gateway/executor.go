package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/models"

	"go.uber.org/zap"
)

// ErrNotConfirmed marks a payment the gateway definitely never confirmed.
var ErrNotConfirmed = errors.New("payment not confirmed at gateway")

// ErrAwaitingDeposit marks a confirmed virtual-account payment whose deposit has not
// arrived yet. The outcome is still open.
var ErrAwaitingDeposit = errors.New("payment awaiting deposit at gateway")

type ConfirmCommand struct {
	PaymentKey string
	OrderID    string
	Amount     int64
}

// Executor turns gateway calls into ExecutionResults.
type Executor struct {
	client *Client
	logger *zap.Logger
}

func NewExecutor(client *Client, logger *zap.Logger) *Executor {
	return &Executor{
		client: client,
		logger: logger,
	}
}

func (e *Executor) Ready() bool {
	return e.client.Ready()
}

// Execute verifies the amount the gateway quotes for the payment, then confirms it.
// A mismatch is never forwarded to the confirm endpoint.
func (e *Executor) Execute(ctx context.Context, cmd ConfirmCommand) models.ExecutionResult {
	quoted, err := e.client.GetPayment(ctx, cmd.PaymentKey)
	if err != nil {
		return resultFromError(err)
	}

	if quoted.OrderID != "" && quoted.OrderID != cmd.OrderID {
		return models.FailureResult("ORDER_MISMATCH",
			fmt.Sprintf("payment key belongs to order %s", quoted.OrderID))
	}
	if quoted.TotalAmount != cmd.Amount {
		e.logger.Warn("Gateway amount differs from requested amount",
			zap.String("order_id", cmd.OrderID),
			zap.Int64("requested", cmd.Amount),
			zap.Int64("quoted", quoted.TotalAmount),
		)
		result := models.FailureResult("AMOUNT_MISMATCH",
			fmt.Sprintf("requested %d, gateway quoted %d", cmd.Amount, quoted.TotalAmount))
		result.Err = models.ErrAmountMismatch
		return result
	}

	confirmed, err := e.client.Confirm(ctx, cmd.PaymentKey, cmd.OrderID, cmd.Amount, cmd.OrderID)
	if err != nil {
		return resultFromError(err)
	}
	return resultFromPayment(confirmed)
}

// Lookup fetches the authoritative state of a payment by its key.
func (e *Executor) Lookup(ctx context.Context, paymentKey string) models.ExecutionResult {
	p, err := e.client.GetPayment(ctx, paymentKey)
	if err != nil {
		return resultFromError(err)
	}
	return resultFromPayment(p)
}

// QueryByOrder fetches the authoritative state of a payment by order id.
// A 404 means the payment was never created at the gateway.
func (e *Executor) QueryByOrder(ctx context.Context, orderID string) models.ExecutionResult {
	p, err := e.client.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.StatusCode == 404 {
			return models.ExecutionResult{
				Status:  models.PaymentStatusUnknown,
				Failure: &models.ExecutionFailure{Code: "NOT_FOUND", Message: rejected.Message},
				Err:     ErrNotConfirmed,
			}
		}
		return resultFromError(err)
	}
	return resultFromPayment(p)
}

// Cancel cancels an approved payment. idempotencyKey makes repeats safe.
func (e *Executor) Cancel(ctx context.Context, paymentKey, reason, idempotencyKey string) (time.Time, error) {
	p, err := e.client.Cancel(ctx, paymentKey, reason, idempotencyKey)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Code == "ALREADY_CANCELED_PAYMENT" {
			// earlier attempt landed; read back when it happened
			p, err = e.client.GetPayment(ctx, paymentKey)
			if err != nil {
				return time.Time{}, err
			}
		} else {
			return time.Time{}, err
		}
	}

	if at := cancelledAt(p); at != nil {
		return *at, nil
	}
	return time.Now(), nil
}

func resultFromError(err error) models.ExecutionResult {
	if models.IsRetryable(err) {
		return models.UnknownResult(err)
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return models.FailureResult(rejected.Code, rejected.Message)
	}
	// undecodable response: the call may have gone through
	return models.UnknownResult(err)
}

func resultFromPayment(p *Payment) models.ExecutionResult {
	switch p.Status {
	case StatusDone, StatusCanceled, StatusPartialCanceled:
		approvedAt, err := parseTime(p.ApprovedAt)
		if err != nil {
			return models.UnknownResult(fmt.Errorf("invalid approvedAt %q: %w", p.ApprovedAt, err))
		}
		return models.ExecutionResult{
			Status: models.PaymentStatusSuccess,
			Details: &models.ExecutionDetails{
				PaymentKey:  p.PaymentKey,
				OrderID:     p.OrderID,
				Method:      p.Method,
				TotalAmount: p.TotalAmount,
				ApprovedAt:  approvedAt,
				CancelledAt: cancelledAt(p),
			},
		}
	case StatusAborted, StatusExpired:
		return models.FailureResult(p.Status, "payment "+p.Status+" at gateway")
	case StatusWaitingForDeposit:
		return models.UnknownResult(ErrAwaitingDeposit)
	case StatusReady, StatusInProgress:
		return models.ExecutionResult{
			Status:  models.PaymentStatusUnknown,
			Failure: &models.ExecutionFailure{Code: p.Status, Message: "payment not confirmed at gateway"},
			Err:     ErrNotConfirmed,
		}
	}
	return models.UnknownResult(fmt.Errorf("unrecognized gateway status %q", p.Status))
}

func cancelledAt(p *Payment) *time.Time {
	if p == nil || len(p.Cancels) == 0 {
		return nil
	}
	at, err := parseTime(p.Cancels[len(p.Cancels)-1].CanceledAt)
	if err != nil {
		return nil
	}
	return &at
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

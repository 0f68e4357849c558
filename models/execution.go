package models

import "time"

// ExecutionResult is the normalized outcome of a call to the payment gateway.
type ExecutionResult struct {
	Status  PaymentStatus     `json:"status"`
	Details *ExecutionDetails `json:"details,omitempty"`
	Failure *ExecutionFailure `json:"failure,omitempty"`
	// Err carries the transport error behind an UNKNOWN result.
	Err error `json:"-"`
}

type ExecutionDetails struct {
	PaymentKey  string     `json:"payment_key"`
	OrderID     string     `json:"order_id"`
	Method      string     `json:"method"`
	TotalAmount int64      `json:"total_amount"`
	ApprovedAt  time.Time  `json:"approved_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type ExecutionFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func UnknownResult(err error) ExecutionResult {
	return ExecutionResult{Status: PaymentStatusUnknown, Err: err}
}

func FailureResult(code, message string) ExecutionResult {
	return ExecutionResult{
		Status:  PaymentStatusFailure,
		Failure: &ExecutionFailure{Code: code, Message: message},
	}
}

// PaymentStatusCommand moves a payment to the status carried by an execution result.
type PaymentStatusCommand struct {
	OrderID string
	Status  PaymentStatus
	Details *ExecutionDetails
	Failure *ExecutionFailure
}

// Validate rejects partially populated results before they reach persistence.
func (c PaymentStatusCommand) Validate() error {
	if c.OrderID == "" {
		return invalidCommand("order id is required")
	}
	switch c.Status {
	case PaymentStatusSuccess:
		if c.Details == nil {
			return invalidCommand("SUCCESS requires execution details")
		}
		if c.Details.ApprovedAt.IsZero() {
			return invalidCommand("SUCCESS requires approvedAt")
		}
	case PaymentStatusFailure:
		if c.Failure == nil || c.Failure.Code == "" {
			return invalidCommand("FAILURE requires a failure reason")
		}
	case PaymentStatusUnknown:
	default:
		return invalidCommand("unsupported status " + string(c.Status))
	}
	return nil
}

func CommandFromResult(orderID string, result ExecutionResult) PaymentStatusCommand {
	return PaymentStatusCommand{
		OrderID: orderID,
		Status:  result.Status,
		Details: result.Details,
		Failure: result.Failure,
	}
}

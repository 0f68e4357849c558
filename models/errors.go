package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidCommand         = errors.New("invalid command")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrGatewayTimeout         = errors.New("payment gateway timeout")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrGatewayRejected        = errors.New("payment gateway rejected request")
	ErrUpstreamTimeout        = errors.New("collaborator call timed out")
	ErrUpstreamUnavailable    = errors.New("collaborator unavailable")
	ErrDuplicateEvent         = errors.New("duplicate event")
	ErrClaimInProgress        = errors.New("event claim in progress")
	ErrSettlementExhausted    = errors.New("settlement attempts exhausted")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrSettlementNotFound     = errors.New("settlement not found")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	Key    string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.Key, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

func invalidCommand(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, reason)
}

// IsRetryable reports whether err leaves the true outcome of a remote call unknown.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamUnavailable)
}

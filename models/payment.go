package models

import "time"

type PaymentStatus string

const (
	PaymentStatusNotStarted PaymentStatus = "NOT_STARTED"
	PaymentStatusExecuting  PaymentStatus = "EXECUTING"
	PaymentStatusSuccess    PaymentStatus = "SUCCESS"
	PaymentStatusFailure    PaymentStatus = "FAILURE"
	PaymentStatusUnknown    PaymentStatus = "UNKNOWN"
)

// paymentTransitions lists, for every status, the statuses a payment may move to.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusNotStarted: {PaymentStatusExecuting},
	PaymentStatusExecuting:  {PaymentStatusSuccess, PaymentStatusFailure, PaymentStatusUnknown},
	PaymentStatusUnknown:    {PaymentStatusSuccess, PaymentStatusFailure},
	PaymentStatusFailure:    {PaymentStatusUnknown},
	PaymentStatusSuccess:    {},
}

// CanTransition reports whether a payment in status from may move to status to.
func (from PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to PaymentStatus) []PaymentStatus {
	var sources []PaymentStatus
	for _, from := range []PaymentStatus{
		PaymentStatusNotStarted,
		PaymentStatusExecuting,
		PaymentStatusUnknown,
		PaymentStatusFailure,
		PaymentStatusSuccess,
	} {
		if from.CanTransition(to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsDecided reports whether the gateway outcome is already recorded.
func (s PaymentStatus) IsDecided() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailure
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

type Payment struct {
	ID                 int64         `json:"id"`
	MemberID           int64         `json:"member_id"`
	StudyID            int64         `json:"study_id"`
	OrderID            string        `json:"order_id"`
	PaymentKey         *string       `json:"payment_key,omitempty"`
	Amount             int64         `json:"amount"`
	Method             string        `json:"method,omitempty"`
	Status             PaymentStatus `json:"status"`
	FailureCode        *string       `json:"failure_code,omitempty"`
	FailureMessage     *string       `json:"failure_message,omitempty"`
	ReconcileAttempts  int           `json:"reconcile_attempts"`
	RequestedAt        time.Time     `json:"requested_at"`
	ExecutionStartedAt *time.Time    `json:"execution_started_at,omitempty"`
	ApprovedAt         *time.Time    `json:"approved_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type CheckoutRequest struct {
	MemberID int64  `json:"member_id" binding:"required,gt=0" validate:"required,gt=0"`
	StudyID  int64  `json:"study_id" binding:"required,gt=0" validate:"required,gt=0"`
	OrderID  string `json:"order_id" binding:"required,max=64" validate:"required,max=64"`
	Amount   int64  `json:"amount" binding:"required,gt=0" validate:"required,gt=0"`
	Method   string `json:"method" validate:"max=32"`
}

type ConfirmPaymentRequest struct {
	PaymentKey string `json:"payment_key" binding:"required,max=200" validate:"required,max=200"`
	OrderID    string `json:"order_id" binding:"required,max=64" validate:"required,max=64"`
	Amount     int64  `json:"amount" binding:"required,gt=0" validate:"required,gt=0"`
	StudyID    int64  `json:"study_id" binding:"required,gt=0" validate:"required,gt=0"`
}

// PaymentView is what confirm and lookup calls return to clients.
// InProgress is set while the gateway outcome is still undecided; callers poll.
type PaymentView struct {
	Payment
	InProgress bool `json:"in_progress"`
}

func NewPaymentView(p *Payment) *PaymentView {
	return &PaymentView{
		Payment:    *p,
		InProgress: !p.Status.IsDecided(),
	}
}

type RefundRequestBody struct {
	Reason string `json:"reason" binding:"required,max=200"`
}

// StudyDeposit is the local projection of a study's deposit terms.
type StudyDeposit struct {
	StudyID           int64 `json:"study_id"`
	DepositAmount     int64 `json:"deposit_amount"`
	PenaltyPerAbsence int64 `json:"penalty_per_absence"`
}

package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	EventStudyCreated        = "STUDY_CREATED"
	EventStudyStatusChanged  = "STUDY_STATUS_CHANGED"
	EventEnrollmentCreated   = "ENROLLMENT_CREATED"
	EventEnrollmentConfirmed = "ENROLLMENT_CONFIRMED"
	EventEnrollmentRollback  = "ENROLLMENT_ROLLBACK"
	EventPaymentCancelled    = "PAYMENT_CANCELLED"
	EventRefundRequested     = "REFUND_REQUESTED"
	EventGatewayWebhook      = "GATEWAY_WEBHOOK"
)

// Event is the envelope every message on the bus carries. EventID is assigned by the
// producer and survives redelivery, so consumers deduplicate on it.
type Event struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	AggregateKey string          `json:"aggregate_key"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload"`
}

func NewEvent(eventType, aggregateKey string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		AggregateKey: aggregateKey,
		OccurredAt:   time.Now().UTC(),
		Payload:      data,
	}, nil
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type EnrollmentCreatedPayload struct {
	MemberID int64  `json:"member_id"`
	StudyID  int64  `json:"study_id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Method   string `json:"method"`
}

// EnrollmentPayload accompanies ENROLLMENT_CONFIRMED, ENROLLMENT_ROLLBACK and PAYMENT_CANCELLED.
type EnrollmentPayload struct {
	PaymentID   int64         `json:"payment_id"`
	MemberID    int64         `json:"member_id"`
	StudyID     int64         `json:"study_id"`
	OrderID     string        `json:"order_id"`
	Amount      int64         `json:"amount"`
	Status      PaymentStatus `json:"status"`
	FailureCode string        `json:"failure_code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

type RefundRequestedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type StudyCreatedPayload struct {
	StudyID           int64  `json:"study_id"`
	Title             string `json:"title"`
	DepositAmount     int64  `json:"deposit_amount"`
	PenaltyPerAbsence int64  `json:"penalty_per_absence"`
}

const StudyStatusCompleted = "COMPLETED"

type StudyStatusChangedPayload struct {
	StudyID int64  `json:"study_id"`
	Status  string `json:"status"`
}

// GatewayWebhook is the body the payment gateway pushes on status changes.
type GatewayWebhook struct {
	EventType string             `json:"eventType" binding:"required"`
	CreatedAt string             `json:"createdAt"`
	Data      GatewayWebhookData `json:"data" binding:"required"`
}

type GatewayWebhookData struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId" binding:"required"`
	Status     string `json:"status" binding:"required"`
}

// EventID derives a stable identifier so that gateway retries of the same
// notification map to the same ledger entry.
func (w GatewayWebhook) EventID() string {
	return w.EventType + ":" + w.Data.OrderID + ":" + w.Data.Status
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

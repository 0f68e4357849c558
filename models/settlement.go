package models

import "time"

type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "PENDING"
	SettlementStatusProcessing SettlementStatus = "PROCESSING"
	SettlementStatusCompleted  SettlementStatus = "COMPLETED"
	SettlementStatusFailed     SettlementStatus = "FAILED"
)

type Settlement struct {
	ID           int64            `json:"id"`
	StudyID      int64            `json:"study_id"`
	Status       SettlementStatus `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	RetryAfter   *time.Time       `json:"retry_after,omitempty"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	ExhaustedAt  *time.Time       `json:"exhausted_at,omitempty"`
	LastError    *string          `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Items        []SettlementItem `json:"items,omitempty"`
}

type SettlementItem struct {
	ID                  int64            `json:"id"`
	SettlementID        int64            `json:"settlement_id"`
	ParticipantID       int64            `json:"participant_id"`
	MemberID            int64            `json:"member_id"`
	DepositPaid         int64            `json:"deposit_paid"`
	AbsenceCount        int              `json:"absence_count"`
	AttendanceCount     int              `json:"attendance_count"`
	PenaltyAmount       int64            `json:"penalty_amount"`
	RefundAmount        int64            `json:"refund_amount"`
	Status              SettlementStatus `json:"status"`
	RefundTransactionID *string          `json:"refund_transaction_id,omitempty"`
	LastError           *string          `json:"last_error,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// IdempotencyKey is the key the member service deduplicates point grants on.
func (i SettlementItem) IdempotencyKey() string {
	return "settlement-item-" + itoa(i.ID)
}

// CompletedStudy is a study the study service reports as finished and unsettled.
type CompletedStudy struct {
	StudyID           int64         `json:"study_id"`
	Title             string        `json:"title"`
	DepositAmount     int64         `json:"deposit_amount"`
	PenaltyPerAbsence int64         `json:"penalty_per_absence"`
	Participants      []Participant `json:"participants"`
}

const ParticipantStatusActive = "ACTIVE"

type Participant struct {
	ParticipantID   int64  `json:"participant_id"`
	MemberID        int64  `json:"member_id"`
	Status          string `json:"status"`
	DepositPaid     int64  `json:"deposit_paid"`
	AbsenceCount    int    `json:"absence_count"`
	AttendanceCount int    `json:"attendance_count"`
}

// IsActive treats an empty status as active; older study service builds omit it.
func (p Participant) IsActive() bool {
	return p.Status == "" || p.Status == ParticipantStatusActive
}

package settlement

import (
	"study-payment-svc/models"
)

// Adjustment computes a participant's penalty and refund. The penalty never exceeds
// what was paid, so refund + penalty always equals depositPaid.
func Adjustment(depositPaid int64, absences int, penaltyPerAbsence int64) (penalty, refund int64) {
	if depositPaid <= 0 {
		return 0, 0
	}
	if absences > 0 && penaltyPerAbsence > 0 {
		// compare before multiplying so a large absence count cannot overflow
		if int64(absences) >= (depositPaid+penaltyPerAbsence-1)/penaltyPerAbsence {
			penalty = depositPaid
		} else {
			penalty = int64(absences) * penaltyPerAbsence
		}
	}
	return penalty, depositPaid - penalty
}

// buildItems returns one PENDING item per active participant.
func buildItems(study models.CompletedStudy) []models.SettlementItem {
	items := make([]models.SettlementItem, 0, len(study.Participants))
	for _, p := range study.Participants {
		if !p.IsActive() {
			continue
		}
		penalty, refund := Adjustment(p.DepositPaid, p.AbsenceCount, study.PenaltyPerAbsence)
		items = append(items, models.SettlementItem{
			ParticipantID:   p.ParticipantID,
			MemberID:        p.MemberID,
			DepositPaid:     p.DepositPaid,
			AbsenceCount:    p.AbsenceCount,
			AttendanceCount: p.AttendanceCount,
			PenaltyAmount:   penalty,
			RefundAmount:    refund,
			Status:          models.SettlementStatusPending,
		})
	}
	return items
}

package models

// Referrer is a participant in the monetary affiliate program. Earnings are
// kept in integer cents to avoid floating-point drift.
type Referrer struct {
	BaseModel

	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	ReferralCode string `gorm:"uniqueIndex;size:8;not null" json:"referral_code"`

	TotalEarnings int64 `gorm:"not null;default:0" json:"total_earnings"`
	PendingPayout int64 `gorm:"not null;default:0" json:"pending_payout"`
}

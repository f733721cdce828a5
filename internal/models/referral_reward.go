package models

// ReferralReward records one monetary reward accrued from one paid invoice.
// InvoiceID is the idempotency key: the unique index guarantees at-most-once
// reward issuance per invoice even under concurrent webhook replays.
type ReferralReward struct {
	BaseModel

	ReferralID string `gorm:"type:uuid;index;not null" json:"referral_id"`
	ReferrerID string `gorm:"type:uuid;index;not null" json:"referrer_id"`

	InvoiceID     string `gorm:"uniqueIndex;not null" json:"invoice_id"`
	InvoiceAmount int64  `gorm:"not null" json:"invoice_amount"`
	RewardAmount  int64  `gorm:"not null" json:"reward_amount"`
}

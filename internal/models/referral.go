package models

import "time"

// Monetary referral states. A referral that never converts before its window
// closes becomes expired and is permanently ineligible for rewards.
const (
	ReferralPending = "pending"
	ReferralActive  = "active"
	ReferralExpired = "expired"
)

// Referral attributes one referred customer to one referrer. The unique index
// on ReferredEmail enforces first-writer-wins attribution: a person can only
// ever be attributed once, regardless of how many codes they click later.
//
// ExpiresAt is fixed at tracking time (tracked_at + reward window) and is a
// hard ceiling; it does not move when the customer converts.
type Referral struct {
	BaseModel

	ReferrerID    string `gorm:"type:uuid;index;not null" json:"referrer_id"`
	ReferredEmail string `gorm:"uniqueIndex;not null" json:"referred_email"`

	Status      string     `gorm:"not null;default:pending" json:"status"`
	TrackedAt   time.Time  `gorm:"not null" json:"tracked_at"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	ExpiresAt   time.Time  `gorm:"index;not null" json:"expires_at"`

	StripeSubscriptionID string `json:"stripe_subscription_id,omitempty"`

	Referrer *Referrer `gorm:"constraint:OnDelete:CASCADE" json:"referrer,omitempty"`
}

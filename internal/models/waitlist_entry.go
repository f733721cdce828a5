package models

import "time"

// Waitlist reward tiers, derived solely from verified referral counts.
const (
	TierNone      = "none"
	TierBronze    = "bronze"
	TierSilver    = "silver"
	TierGold      = "gold"
	TierPlatinum  = "platinum"
	TierDiamond   = "diamond"
	TierLegendary = "legendary"
)

// WaitlistEntry represents one signup in the early-access queue.
//
// OriginalPosition is assigned exactly once at signup (waitlist size + 1) and
// never changes; CurrentPosition is derived from it by subtracting stacked tier
// boosts, floored at 1. The unique index on OriginalPosition is what serialises
// concurrent signups: two transactions that read the same count cannot both
// commit the same position.
type WaitlistEntry struct {
	BaseModel

	Email          string  `gorm:"uniqueIndex;not null" json:"email"`
	ReferralCode   string  `gorm:"uniqueIndex;size:8;not null" json:"referral_code"`
	ReferredByCode *string `gorm:"index" json:"referred_by_code,omitempty"`

	OriginalPosition int `gorm:"uniqueIndex;not null" json:"original_position"`
	CurrentPosition  int `gorm:"not null" json:"current_position"`

	EmailVerified         bool      `gorm:"not null;default:false" json:"email_verified"`
	VerificationTokenHash *string   `gorm:"uniqueIndex" json:"-"`
	VerificationExpires   time.Time `json:"verification_expires"`

	TotalReferrals    int    `gorm:"not null;default:0" json:"total_referrals"`
	VerifiedReferrals int    `gorm:"not null;default:0" json:"verified_referrals"`
	CurrentTier       string `gorm:"not null;default:none" json:"current_tier"`
}

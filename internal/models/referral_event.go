package models

// Referral event types recorded in the append-only activity log.
const (
	EventClick     = "click"
	EventSignup    = "signup"
	EventShared    = "shared"
	EventBadgeView = "badge_view"
)

// ReferralEvent is one row of the append-only referral activity log. Events
// reference a WaitlistEntry by referral code value, not by id; the entry may
// be deleted independently without invalidating the log.
type ReferralEvent struct {
	BaseModel

	ReferralCode  string `gorm:"index;size:8;not null" json:"referral_code"`
	EventType     string `gorm:"not null" json:"event_type"`
	Source        string `json:"source,omitempty"`
	ReferredEmail string `gorm:"index" json:"referred_email,omitempty"`

	ConvertedToSignup   bool `gorm:"not null;default:false" json:"converted_to_signup"`
	ConvertedToVerified bool `gorm:"not null;default:false" json:"converted_to_verified"`
}

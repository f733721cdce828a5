package models

import "time"

// License statuses. Cancelled is terminal: no subscription event transitions a
// license out of cancelled, which makes out-of-order webhook delivery safe.
const (
	LicenseActive    = "active"
	LicenseSuspended = "suspended"
	LicenseCancelled = "cancelled"
)

// License binds a paid subscription to a product key with a bounded number of
// machine activations. Exactly one license exists per Stripe subscription
// (unique index on StripeSubscriptionID); replayed checkout events are no-ops.
//
// ExpiresAt is always evaluated at request time. Status can lag real-time
// expiry and is never trusted as a substitute for the computed check.
type License struct {
	BaseModel

	LicenseKey string `gorm:"uniqueIndex;not null" json:"license_key"`
	Email      string `gorm:"index;not null" json:"email"`
	Plan       string `gorm:"not null" json:"plan"`
	MaxSystems int    `gorm:"not null" json:"max_systems"`
	Status     string `gorm:"not null;default:active" json:"status"`

	StripeCustomerID     string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string    `gorm:"uniqueIndex;not null" json:"stripe_subscription_id"`
	ExpiresAt            time.Time `gorm:"index" json:"expires_at"`

	Activations []Activation `gorm:"constraint:OnDelete:CASCADE" json:"activations,omitempty"`
}

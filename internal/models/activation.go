package models

import "time"

// Activation binds a license to one machine. The composite unique index makes
// re-activation of a known machine an update of LastSeen rather than a new
// row, so retries never consume an extra seat.
type Activation struct {
	BaseModel

	LicenseID string `gorm:"type:uuid;uniqueIndex:idx_license_machine;not null" json:"license_id"`
	MachineID string `gorm:"uniqueIndex:idx_license_machine;not null" json:"machine_id"`
	Hostname  string `json:"hostname,omitempty"`

	LastSeen time.Time `gorm:"not null" json:"last_seen"`
}

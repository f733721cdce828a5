package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the durable dedup record for billing provider deliveries.
// EventID is the provider's stable event identifier; the unique index turns a
// replayed delivery into a conflict that the dispatcher acknowledges without
// re-running side effects.
type WebhookEvent struct {
	BaseModel

	EventID     string         `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType   string         `gorm:"index;not null" json:"event_type"`
	Payload     datatypes.JSON `json:"payload,omitempty"`
	ProcessedAt time.Time      `gorm:"not null" json:"processed_at"`
}

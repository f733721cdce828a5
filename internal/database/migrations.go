package database

import (
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.WaitlistEntry{},
		&models.ReferralEvent{},
		&models.Referrer{},
		&models.Referral{},
		&models.ReferralReward{},
		&models.License{},
		&models.Activation{},
		&models.WebhookEvent{},
		&models.CacheEntry{},
	)
}

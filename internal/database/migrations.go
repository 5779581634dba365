package database

import (
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.UserPrefs{},
		&models.Session{},
		&models.Device{},
		&models.PairingToken{},
		&models.LedState{},
		&models.MusicState{},
		&models.WidgetConfig{},
		&models.AuditRecord{},
	)
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// UserPrefs stores per-user presentation preferences.
type UserPrefs struct {
	UserID       string         `gorm:"primaryKey;type:uuid" json:"-"`
	Theme        string         `gorm:"default:light" json:"theme"`
	UnitSystem   string         `gorm:"default:metric" json:"unit_system"`
	Locale       string         `gorm:"default:en-US" json:"locale"`
	WidgetsOrder datatypes.JSON `json:"widgets_order"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

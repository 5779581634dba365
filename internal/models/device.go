package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Device is the identity of a physical mirror agent. OwnerID is nil while the
// device is unpaired; APIKeyHash is the bcrypt hash of the per-device secret.
type Device struct {
	ID         string     `gorm:"primaryKey;type:uuid" json:"id"`
	Name       string     `gorm:"not null" json:"name"`
	OwnerID    *string    `gorm:"type:uuid;index" json:"owner_id,omitempty"`
	Owner      *User      `gorm:"foreignKey:OwnerID" json:"-"`
	Disabled   bool       `gorm:"default:false" json:"disabled"`
	APIKeyHash string     `json:"-"`
	PairedAt   *time.Time `json:"paired_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// OnlineAt reports whether the device counts as online at the given instant.
// Presence is always derived from LastSeenAt so a silent agent naturally
// falls offline once the window lapses.
func (d *Device) OnlineAt(now time.Time, ttl time.Duration) bool {
	if d.Disabled || d.LastSeenAt == nil {
		return false
	}
	return now.Sub(*d.LastSeenAt) <= ttl
}

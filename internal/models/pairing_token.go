package models

import "time"

// PairingToken is the short-lived numeric code binding a device to a user.
// The device ID is the primary key: at most one active token per device, and
// requesting a new one overwrites the previous.
type PairingToken struct {
	DeviceID  string    `gorm:"primaryKey;type:uuid" json:"device_id"`
	Device    *Device   `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
	Token     string    `gorm:"not null" json:"token"`
	Transfer  bool      `gorm:"default:false" json:"transfer"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

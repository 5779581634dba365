package models

import (
	"time"

	"gorm.io/datatypes"
)

// WidgetConfig is one widget slot on a device, identified by (device, key).
// OrderIndex drives on-screen ordering; Config is an opaque blob owned by the
// widget implementation.
type WidgetConfig struct {
	DeviceID   string         `gorm:"primaryKey;type:uuid" json:"device_id"`
	Device     *Device        `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
	Key        string         `gorm:"primaryKey" json:"key"`
	Enabled    bool           `gorm:"default:true" json:"enabled"`
	OrderIndex int            `gorm:"default:0" json:"order_index"`
	Config     datatypes.JSON `json:"config"`
	UpdatedAt  time.Time      `json:"-"`
}

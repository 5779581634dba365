package models

import "time"

// Default LED values returned when a device has never reported.
const (
	DefaultLedColor      = "#FFFFFF"
	DefaultLedBrightness = 50
)

// LedState holds the last-known LED actuator state, one row per device.
// Rows are created lazily on first write.
type LedState struct {
	DeviceID   string    `gorm:"primaryKey;type:uuid" json:"device_id"`
	Device     *Device   `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
	On         bool      `gorm:"default:false" json:"on"`
	Color      string    `gorm:"default:#FFFFFF" json:"color"`
	Brightness int       `gorm:"default:50" json:"brightness"`
	Preset     *string   `json:"preset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DefaultLedState is the documented snapshot for devices without a row yet.
func DefaultLedState(deviceID string) LedState {
	return LedState{
		DeviceID:   deviceID,
		On:         false,
		Color:      DefaultLedColor,
		Brightness: DefaultLedBrightness,
		Preset:     nil,
	}
}

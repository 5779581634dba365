package models

import "time"

// Music playback statuses persisted by the coordinator.
const (
	MusicStatusPlay  = "play"
	MusicStatusPause = "pause"

	DefaultMusicVolume = 50
)

// MusicState holds the last-known playback state, one row per device.
type MusicState struct {
	DeviceID  string    `gorm:"primaryKey;type:uuid" json:"device_id"`
	Device    *Device   `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
	Status    string    `gorm:"default:pause" json:"status"`
	Volume    int       `gorm:"default:50" json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMusicState is the documented snapshot for devices without a row yet.
func DefaultMusicState(deviceID string) MusicState {
	return MusicState{
		DeviceID: deviceID,
		Status:   MusicStatusPause,
		Volume:   DefaultMusicVolume,
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit event types written by the services.
const (
	AuditDevicePaired      = "DEVICE_PAIRED"
	AuditDeviceRepaired    = "DEVICE_REPAIRED"
	AuditDeviceTransferred = "DEVICE_TRANSFERRED"
	AuditDeviceUnpaired    = "DEVICE_UNPAIRED"
	AuditDeviceDeleted     = "DEVICE_DELETED"
	AuditDeviceHeartbeat   = "DEVICE_HEARTBEAT"
	AuditAdminDeviceRevoke = "ADMIN_DEVICE_REVOKE"
	AuditAgentNack         = "AGENT_NACK"
	AuditLedsUpdate        = "LEDS_UPDATE"
	AuditMusicCommand      = "MUSIC_CMD"
	AuditWidgetsUpdate     = "WIDGETS_UPDATE"
)

// AuditRecord is an append-only log entry written in the same transaction as
// the mutation it describes. Normal operation never updates or deletes rows;
// only the retention sweep removes old entries.
type AuditRecord struct {
	ID          string         `gorm:"primaryKey;type:uuid" json:"id"`
	ActorUserID *string        `gorm:"type:uuid;index" json:"actor_user_id,omitempty"`
	Actor       *User          `gorm:"foreignKey:ActorUserID" json:"-"`
	DeviceID    *string        `gorm:"type:uuid;index" json:"device_id,omitempty"`
	Type        string         `gorm:"not null;index" json:"type"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
)

// DefaultPresenceTTL is the window after the last liveness signal during
// which a device is reported online. It must stay comfortably above the
// agent heartbeat interval (~20s).
const DefaultPresenceTTL = 35 * time.Second

// Broadcaster publishes an event to every member of a device room. The
// realtime hub satisfies this; services receive it by injection so fan-out
// stays a constructor dependency rather than a global handle.
type Broadcaster interface {
	BroadcastRoom(deviceID, event string, data map[string]any)
}

// DeviceConfig carries tunables for the DeviceService.
type DeviceConfig struct {
	PresenceTTL time.Duration
	Clock       func() time.Time
}

// DeviceOverview is the listing shape with the derived online flag.
type DeviceOverview struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Disabled   bool       `json:"disabled"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DeviceService manages device records, ownership checks, and presence.
type DeviceService struct {
	db          *gorm.DB
	audit       *AuditService
	broadcast   Broadcaster
	presenceTTL time.Duration
	now         func() time.Time
}

// NewDeviceService constructs a DeviceService.
func NewDeviceService(db *gorm.DB, audit *AuditService, broadcast Broadcaster, cfg DeviceConfig) (*DeviceService, error) {
	if db == nil {
		return nil, errors.New("device service: db is required")
	}
	if audit == nil {
		return nil, errors.New("device service: audit service is required")
	}

	ttl := cfg.PresenceTTL
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &DeviceService{
		db:          db,
		audit:       audit,
		broadcast:   broadcast,
		presenceTTL: ttl,
		now:         clock,
	}, nil
}

// PresenceTTL exposes the configured presence window.
func (s *DeviceService) PresenceTTL() time.Duration {
	return s.presenceTTL
}

// Get loads a device by id.
func (s *DeviceService) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	ctx = ensureContext(ctx)

	var device models.Device
	err := s.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device service: load device: %w", err)
	}
	return &device, nil
}

// EnsureOwned resolves a device and verifies the caller owns it and that it
// is not disabled. All device-scoped user operations go through this check.
func (s *DeviceService) EnsureOwned(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.OwnerID == nil || *device.OwnerID != userID {
		return nil, ErrNotOwner
	}
	if device.Disabled {
		return nil, ErrDeviceDisabled
	}
	return device, nil
}

// ListOwned returns the caller's devices with derived online status.
func (s *DeviceService) ListOwned(ctx context.Context, userID string) ([]DeviceOverview, error) {
	ctx = ensureContext(ctx)

	var devices []models.Device
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", userID).
		Order("created_at ASC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device service: list devices: %w", err)
	}

	now := s.now()
	overviews := make([]DeviceOverview, 0, len(devices))
	for _, d := range devices {
		overviews = append(overviews, DeviceOverview{
			ID:         d.ID,
			Name:       d.Name,
			Disabled:   d.Disabled,
			Online:     d.OnlineAt(now, s.presenceTTL),
			LastSeenAt: d.LastSeenAt,
			CreatedAt:  d.CreatedAt,
		})
	}
	return overviews, nil
}

// Online reports the derived presence of an owned device.
func (s *DeviceService) Online(ctx context.Context, userID, deviceID string) (bool, *time.Time, error) {
	device, err := s.EnsureOwned(ctx, userID, deviceID)
	if err != nil {
		return false, nil, err
	}
	return device.OnlineAt(s.now(), s.presenceTTL), device.LastSeenAt, nil
}

// Rename changes the display name of an owned device.
func (s *DeviceService) Rename(ctx context.Context, userID, deviceID, name string) (*models.Device, error) {
	device, err := s.EnsureOwned(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("device service: name is required")
	}

	if err := s.db.WithContext(ensureContext(ctx)).
		Model(device).Update("name", name).Error; err != nil {
		return nil, fmt.Errorf("device service: rename device: %w", err)
	}
	device.Name = name
	return device, nil
}

// Delete removes an owned device entirely, auditing the deletion. The audit
// record keeps the device id in its payload only, since the row is gone.
func (s *DeviceService) Delete(ctx context.Context, userID, deviceID string) error {
	device, err := s.EnsureOwned(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			Type:        models.AuditDeviceDeleted,
			Payload:     map[string]any{"deleted_device_id": device.ID, "name": device.Name},
		}); err != nil {
			return err
		}
		return tx.Delete(&models.Device{}, "id = ?", device.ID).Error
	})
}

// TouchPresence records a liveness signal from the agent and notifies the
// device room. Used by the realtime hub for any inbound agent traffic.
func (s *DeviceService) TouchPresence(ctx context.Context, deviceID string) {
	now := s.now()
	if err := s.db.WithContext(ensureContext(ctx)).
		Model(&models.Device{}).
		Where("id = ?", deviceID).
		Update("last_seen_at", now).Error; err != nil {
		return
	}

	s.emitPresence(deviceID, true, &now)
}

// Heartbeat handles the REST liveness report from an authenticated agent:
// presence update plus a lightweight audit record in one transaction, then
// realtime notifications for observers.
func (s *DeviceService) Heartbeat(ctx context.Context, deviceID string, payload map[string]any) error {
	now := s.now()

	err := s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Device{}).
			Where("id = ?", deviceID).
			Update("last_seen_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDeviceNotFound
		}
		return s.audit.LogTx(tx, AuditEntry{
			DeviceID: &deviceID,
			Type:     models.AuditDeviceHeartbeat,
			Payload:  payload,
		})
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		return fmt.Errorf("device service: heartbeat: %w", err)
	}

	s.emitPresence(deviceID, true, &now)
	if s.broadcast != nil {
		s.broadcast.BroadcastRoom(deviceID, "agent:ack", map[string]any{"at": now.UTC().Format(time.RFC3339)})
	}
	return nil
}

// AdminRevoke disables a device and clears its secret so it can no longer
// authenticate. Administrator surface.
func (s *DeviceService) AdminRevoke(ctx context.Context, adminID, deviceID string) (*models.Device, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(device).Updates(map[string]any{
			"disabled":     true,
			"api_key_hash": "",
		}).Error; err != nil {
			return err
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &adminID,
			DeviceID:    &deviceID,
			Type:        models.AuditAdminDeviceRevoke,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("device service: revoke device: %w", err)
	}

	device.Disabled = true
	device.APIKeyHash = ""
	return device, nil
}

// AdminList returns every device regardless of owner. Administrator surface.
func (s *DeviceService) AdminList(ctx context.Context) ([]models.Device, error) {
	ctx = ensureContext(ctx)

	var devices []models.Device
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("device service: list devices: %w", err)
	}
	return devices, nil
}

func (s *DeviceService) emitPresence(deviceID string, online bool, lastSeen *time.Time) {
	if s.broadcast == nil {
		return
	}
	data := map[string]any{"online": online}
	if lastSeen != nil {
		data["last_seen_at"] = lastSeen.UTC().Format(time.RFC3339)
	}
	s.broadcast.BroadcastRoom(deviceID, "presence", data)
}

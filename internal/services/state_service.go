package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aurahome/aura-server/internal/models"
)

// Music actions accepted by the coordinator. Play and pause persist status;
// next and prev are forwarded to the agent without local mutation because the
// coordinator cannot know the result of track navigation.
const (
	MusicActionPlay  = "play"
	MusicActionPause = "pause"
	MusicActionNext  = "next"
	MusicActionPrev  = "prev"
)

// ErrInvalidMusicAction rejects unknown music commands.
var ErrInvalidMusicAction = errors.New("state: invalid music action")

// LedStyleUpdate is a partial LED update; nil fields retain prior values. An
// empty Preset clears the stored preset.
type LedStyleUpdate struct {
	Color      *string `json:"color,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	Preset     *string `json:"preset,omitempty"`
}

// WidgetItem is one entry of a widget replace request.
type WidgetItem struct {
	Key        string `json:"key"`
	Enabled    *bool  `json:"enabled,omitempty"`
	OrderIndex *int   `json:"order_index,omitempty"`
	Config     any    `json:"config,omitempty"`
}

// Snapshot is the authoritative device state triple.
type Snapshot struct {
	Leds    models.LedState       `json:"leds"`
	Music   models.MusicState     `json:"music"`
	Widgets []models.WidgetConfig `json:"widgets"`
}

// StateService is the device state coordinator: it serialises every mutation
// into an atomic persist+audit unit and then triggers best-effort fan-out so
// the stored snapshot and the broadcast delta cannot diverge.
type StateService struct {
	db        *gorm.DB
	devices   *DeviceService
	audit     *AuditService
	broadcast Broadcaster
}

// NewStateService constructs the coordinator.
func NewStateService(db *gorm.DB, devices *DeviceService, audit *AuditService, broadcast Broadcaster) (*StateService, error) {
	if db == nil {
		return nil, errors.New("state service: db is required")
	}
	if devices == nil {
		return nil, errors.New("state service: device service is required")
	}
	if audit == nil {
		return nil, errors.New("state service: audit service is required")
	}

	return &StateService{
		db:        db,
		devices:   devices,
		audit:     audit,
		broadcast: broadcast,
	}, nil
}

// SetLedPower switches the LEDs on or off, preserving style fields.
func (s *StateService) SetLedPower(ctx context.Context, userID, deviceID string, on bool) (*models.LedState, error) {
	return s.updateLeds(ctx, userID, deviceID, map[string]any{"on": on}, func(led *models.LedState) {
		led.On = on
	})
}

// SetLedStyle applies a partial style change. Unspecified fields keep their
// prior value; an absent row starts from the documented defaults.
func (s *StateService) SetLedStyle(ctx context.Context, userID, deviceID string, update LedStyleUpdate) (*models.LedState, error) {
	payload := map[string]any{}
	apply := func(led *models.LedState) {
		if update.Color != nil {
			led.Color = *update.Color
		}
		if update.Brightness != nil {
			led.Brightness = *update.Brightness
		}
		if update.Preset != nil {
			if strings.TrimSpace(*update.Preset) == "" {
				led.Preset = nil
			} else {
				preset := *update.Preset
				led.Preset = &preset
			}
		}
	}
	if update.Color != nil {
		payload["color"] = *update.Color
	}
	if update.Brightness != nil {
		payload["brightness"] = *update.Brightness
	}
	if update.Preset != nil {
		payload["preset"] = *update.Preset
	}

	return s.updateLeds(ctx, userID, deviceID, payload, apply)
}

// MusicCommand handles a playback action: play/pause persist the status,
// next/prev are relay-only. Every action is audited and forwarded.
func (s *StateService) MusicCommand(ctx context.Context, userID, deviceID, action string) (*models.MusicState, error) {
	switch action {
	case MusicActionPlay, MusicActionPause, MusicActionNext, MusicActionPrev:
	default:
		return nil, ErrInvalidMusicAction
	}

	if _, err := s.devices.EnsureOwned(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	music, err := s.loadMusic(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	persist := action == MusicActionPlay || action == MusicActionPause
	if persist {
		music.Status = action
	}

	err = s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if persist {
			if err := upsertRow(tx, music); err != nil {
				return err
			}
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			DeviceID:    &deviceID,
			Type:        models.AuditMusicCommand,
			Payload:     map[string]any{"action": action},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state service: music command: %w", err)
	}

	s.emit(deviceID, "music:cmd", map[string]any{"action": action})
	if persist {
		s.emit(deviceID, "state:update", map[string]any{"music": music})
	}
	return music, nil
}

// MusicSetVolume upserts the volume, preserving playback status.
func (s *StateService) MusicSetVolume(ctx context.Context, userID, deviceID string, volume int) (*models.MusicState, error) {
	if volume < 0 || volume > 100 {
		return nil, errors.New("state service: volume must be within [0,100]")
	}

	if _, err := s.devices.EnsureOwned(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	music, err := s.loadMusic(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	music.Volume = volume

	err = s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := upsertRow(tx, music); err != nil {
			return err
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			DeviceID:    &deviceID,
			Type:        models.AuditMusicCommand,
			Payload:     map[string]any{"action": "volume", "volume": volume},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state service: set volume: %w", err)
	}

	s.emit(deviceID, "music:cmd", map[string]any{"action": "volume", "volume": volume})
	s.emit(deviceID, "state:update", map[string]any{"music": music})
	return music, nil
}

// WidgetsReplace upserts the supplied widget entries by key. Keys omitted
// from the request are left untouched: omission is not removal. The raw
// request is audited, then the canonical ordered list is re-read and
// broadcast.
func (s *StateService) WidgetsReplace(ctx context.Context, userID, deviceID string, items []WidgetItem) ([]models.WidgetConfig, error) {
	if _, err := s.devices.EnsureOwned(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if err := upsertWidget(tx, deviceID, item); err != nil {
				return err
			}
		}
		rawItems, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("encode items: %w", err)
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			DeviceID:    &deviceID,
			Type:        models.AuditWidgetsUpdate,
			Payload:     map[string]any{"items": json.RawMessage(rawItems)},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state service: replace widgets: %w", err)
	}

	widgets, err := s.Widgets(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	s.emit(deviceID, "widgets:update", map[string]any{"items": items})
	s.emit(deviceID, "state:update", map[string]any{"widgets": widgets})
	return widgets, nil
}

// Widgets returns the canonical ordered widget list for a device.
func (s *StateService) Widgets(ctx context.Context, deviceID string) ([]models.WidgetConfig, error) {
	var widgets []models.WidgetConfig
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("device_id = ?", deviceID).
		Order("order_index ASC").
		Find(&widgets).Error; err != nil {
		return nil, fmt.Errorf("state service: list widgets: %w", err)
	}
	return widgets, nil
}

// Leds returns the LED state, falling back to the documented defaults when
// the device has never reported.
func (s *StateService) Leds(ctx context.Context, deviceID string) (*models.LedState, error) {
	return s.loadLeds(ctx, deviceID)
}

// Music returns the playback state with the same default fallback.
func (s *StateService) Music(ctx context.Context, deviceID string) (*models.MusicState, error) {
	return s.loadMusic(ctx, deviceID)
}

// GetSnapshot assembles the LED/music/widget triple. A freshly paired device
// with no rows yet yields defaults rather than an error. Callers authorize
// separately: the owning user or the device's own agent may read it.
func (s *StateService) GetSnapshot(ctx context.Context, deviceID string) (*Snapshot, error) {
	leds, err := s.loadLeds(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	music, err := s.loadMusic(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	widgets, err := s.Widgets(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Leds: *leds, Music: *music, Widgets: widgets}, nil
}

func (s *StateService) updateLeds(ctx context.Context, userID, deviceID string, payload map[string]any, apply func(*models.LedState)) (*models.LedState, error) {
	if _, err := s.devices.EnsureOwned(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	led, err := s.loadLeds(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	apply(led)

	err = s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := upsertRow(tx, led); err != nil {
			return err
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			DeviceID:    &deviceID,
			Type:        models.AuditLedsUpdate,
			Payload:     payload,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state service: update leds: %w", err)
	}

	s.emit(deviceID, "leds:update", payload)
	s.emit(deviceID, "state:update", map[string]any{"leds": led})
	return led, nil
}

func (s *StateService) loadLeds(ctx context.Context, deviceID string) (*models.LedState, error) {
	var led models.LedState
	err := s.db.WithContext(ensureContext(ctx)).Take(&led, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		def := models.DefaultLedState(deviceID)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state service: load leds: %w", err)
	}
	return &led, nil
}

func (s *StateService) loadMusic(ctx context.Context, deviceID string) (*models.MusicState, error) {
	var music models.MusicState
	err := s.db.WithContext(ensureContext(ctx)).Take(&music, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		def := models.DefaultMusicState(deviceID)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state service: load music: %w", err)
	}
	return &music, nil
}

func (s *StateService) emit(deviceID, event string, data map[string]any) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.BroadcastRoom(deviceID, event, data)
}

func upsertRow(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func upsertWidget(tx *gorm.DB, deviceID string, item WidgetItem) error {
	key := strings.TrimSpace(item.Key)
	if key == "" {
		return errors.New("widget key is required")
	}

	widget := models.WidgetConfig{
		DeviceID: deviceID,
		Key:      key,
		Enabled:  true,
	}
	if item.Enabled != nil {
		widget.Enabled = *item.Enabled
	}
	if item.OrderIndex != nil {
		widget.OrderIndex = *item.OrderIndex
	}
	if item.Config != nil {
		encoded, err := json.Marshal(item.Config)
		if err != nil {
			return fmt.Errorf("encode widget config: %w", err)
		}
		widget.Config = datatypes.JSON(encoded)
	}

	var existing models.WidgetConfig
	err := tx.Take(&existing, "device_id = ? AND key = ?", deviceID, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&widget).Error
	}
	if err != nil {
		return err
	}

	fields := map[string]any{}
	if item.Enabled != nil {
		fields["enabled"] = *item.Enabled
	}
	if item.OrderIndex != nil {
		fields["order_index"] = *item.OrderIndex
	}
	if item.Config != nil {
		fields["config"] = widget.Config
	}
	if len(fields) == 0 {
		return nil
	}
	return tx.Model(&models.WidgetConfig{}).
		Where("device_id = ? AND key = ?", deviceID, key).
		Updates(fields).Error
}

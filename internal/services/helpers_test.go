package services

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/database/testutil"
	"github.com/aurahome/aura-server/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordedEvent captures one fan-out call for assertions.
type recordedEvent struct {
	DeviceID string
	Event    string
	Data     map[string]any
}

// recordingBroadcaster is a Broadcaster that remembers everything it was
// asked to send.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingBroadcaster) BroadcastRoom(deviceID, event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{DeviceID: deviceID, Event: event, Data: data})
}

func (r *recordingBroadcaster) eventsFor(deviceID string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []recordedEvent
	for _, ev := range r.events {
		if ev.DeviceID == deviceID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingBroadcaster) eventNames(deviceID string) []string {
	var names []string
	for _, ev := range r.eventsFor(deviceID) {
		names = append(names, ev.Event)
	}
	return names
}

func createUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{
		Email:    uuid.NewString() + "@example.com",
		Password: "hashed-password",
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createAdmin(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	admin := &models.User{
		Email:    uuid.NewString() + "@example.com",
		Password: "hashed-password",
		Role:     models.RoleAdmin,
	}
	require.NoError(t, db.Create(admin).Error)
	return admin
}

func createDevice(t *testing.T, db *gorm.DB, ownerID *string) *models.Device {
	t.Helper()

	device := &models.Device{Name: "Living Room Mirror", OwnerID: ownerID}
	if ownerID != nil {
		now := time.Now().UTC()
		device.PairedAt = &now
	}
	require.NoError(t, db.Create(device).Error)
	return device
}

func auditCount(t *testing.T, db *gorm.DB, deviceID, auditType string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.AuditRecord{}).
		Where("device_id = ? AND type = ?", deviceID, auditType).
		Count(&count).Error)
	return count
}

func openServicesDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.MustOpenTestDB(t)
}

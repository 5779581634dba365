package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
)

func setupDevices(t *testing.T) (*gorm.DB, *DeviceService, *recordingBroadcaster, *testClock) {
	t.Helper()

	db := openServicesDB(t)
	clock := newTestClock()
	sink := &recordingBroadcaster{}

	audit, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewDeviceService(db, audit, sink, DeviceConfig{Clock: clock.Now})
	require.NoError(t, err)

	return db, svc, sink, clock
}

func TestOnlineTracksPresenceWindow(t *testing.T) {
	db, svc, _, clock := setupDevices(t)
	owner := createUser(t, db)
	device := createDevice(t, db, &owner.ID)

	// Never seen: offline.
	online, lastSeen, err := svc.Online(context.Background(), owner.ID, device.ID)
	require.NoError(t, err)
	require.False(t, online)
	require.Nil(t, lastSeen)

	svc.TouchPresence(context.Background(), device.ID)

	online, lastSeen, err = svc.Online(context.Background(), owner.ID, device.ID)
	require.NoError(t, err)
	require.True(t, online)
	require.NotNil(t, lastSeen)

	// Exactly at the edge of the window the device still counts as online.
	clock.Advance(DefaultPresenceTTL)
	online, _, err = svc.Online(context.Background(), owner.ID, device.ID)
	require.NoError(t, err)
	require.True(t, online)

	clock.Advance(time.Second)
	online, _, err = svc.Online(context.Background(), owner.ID, device.ID)
	require.NoError(t, err)
	require.False(t, online)
}

func TestListOwnedDerivesOnlineFlag(t *testing.T) {
	db, svc, _, _ := setupDevices(t)
	owner := createUser(t, db)
	alive := createDevice(t, db, &owner.ID)
	silent := createDevice(t, db, &owner.ID)
	createDevice(t, db, nil) // unowned, must not appear

	svc.TouchPresence(context.Background(), alive.ID)

	overviews, err := svc.ListOwned(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Len(t, overviews, 2)

	byID := map[string]DeviceOverview{}
	for _, o := range overviews {
		byID[o.ID] = o
	}
	require.True(t, byID[alive.ID].Online)
	require.False(t, byID[silent.ID].Online)
	require.Nil(t, byID[silent.ID].LastSeenAt)
}

func TestEnsureOwnedChecks(t *testing.T) {
	db, svc, _, _ := setupDevices(t)
	owner := createUser(t, db)
	stranger := createUser(t, db)
	device := createDevice(t, db, &owner.ID)

	_, err := svc.EnsureOwned(context.Background(), owner.ID, device.ID)
	require.NoError(t, err)

	_, err = svc.EnsureOwned(context.Background(), stranger.ID, device.ID)
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.EnsureOwned(context.Background(), owner.ID, "no-such-device")
	require.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, db.Model(device).Update("disabled", true).Error)
	_, err = svc.EnsureOwned(context.Background(), owner.ID, device.ID)
	require.ErrorIs(t, err, ErrDeviceDisabled)
}

func TestRenameDevice(t *testing.T) {
	db, svc, _, _ := setupDevices(t)
	owner := createUser(t, db)
	device := createDevice(t, db, &owner.ID)

	renamed, err := svc.Rename(context.Background(), owner.ID, device.ID, "  Hallway Mirror  ")
	require.NoError(t, err)
	require.Equal(t, "Hallway Mirror", renamed.Name)

	var reloaded models.Device
	require.NoError(t, db.Take(&reloaded, "id = ?", device.ID).Error)
	require.Equal(t, "Hallway Mirror", reloaded.Name)

	_, err = svc.Rename(context.Background(), owner.ID, device.ID, "   ")
	require.Error(t, err)
}

func TestDeleteDeviceAuditsWithoutDeviceRef(t *testing.T) {
	db, svc, _, _ := setupDevices(t)
	owner := createUser(t, db)
	device := createDevice(t, db, &owner.ID)

	require.NoError(t, svc.Delete(context.Background(), owner.ID, device.ID))

	var count int64
	require.NoError(t, db.Model(&models.Device{}).Where("id = ?", device.ID).Count(&count).Error)
	require.Zero(t, count)

	// The audit record survives the row and names the device in its payload.
	var record models.AuditRecord
	require.NoError(t, db.
		Where("actor_user_id = ? AND type = ?", owner.ID, models.AuditDeviceDeleted).
		Take(&record).Error)
	require.Nil(t, record.DeviceID)
	require.Contains(t, string(record.Payload), device.ID)
	require.Contains(t, string(record.Payload), device.Name)
}

func TestHeartbeatUpdatesPresenceAndNotifies(t *testing.T) {
	db, svc, sink, clock := setupDevices(t)
	owner := createUser(t, db)
	device := createDevice(t, db, &owner.ID)

	err := svc.Heartbeat(context.Background(), device.ID, map[string]any{"temp_c": 41})
	require.NoError(t, err)

	var reloaded models.Device
	require.NoError(t, db.Take(&reloaded, "id = ?", device.ID).Error)
	require.NotNil(t, reloaded.LastSeenAt)
	require.True(t, reloaded.LastSeenAt.Equal(clock.Now()))

	require.EqualValues(t, 1, auditCount(t, db, device.ID, models.AuditDeviceHeartbeat))

	names := sink.eventNames(device.ID)
	require.Contains(t, names, "presence")
	require.Contains(t, names, "agent:ack")

	for _, ev := range sink.eventsFor(device.ID) {
		if ev.Event == "presence" {
			require.Equal(t, true, ev.Data["online"])
		}
	}
}

func TestHeartbeatUnknownDevice(t *testing.T) {
	_, svc, _, _ := setupDevices(t)

	err := svc.Heartbeat(context.Background(), "no-such-device", nil)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestTouchPresenceEmitsOnlineEvent(t *testing.T) {
	db, svc, sink, _ := setupDevices(t)
	device := createDevice(t, db, nil)

	svc.TouchPresence(context.Background(), device.ID)

	events := sink.eventsFor(device.ID)
	require.Len(t, events, 1)
	require.Equal(t, "presence", events[0].Event)
	require.Equal(t, true, events[0].Data["online"])
	require.NotEmpty(t, events[0].Data["last_seen_at"])
}

func TestAdminRevokeDisablesAndClearsKey(t *testing.T) {
	db, svc, _, _ := setupDevices(t)
	admin := createAdmin(t, db)
	owner := createUser(t, db)
	device := createDevice(t, db, &owner.ID)
	require.NoError(t, db.Model(device).Update("api_key_hash", "some-hash").Error)

	revoked, err := svc.AdminRevoke(context.Background(), admin.ID, device.ID)
	require.NoError(t, err)
	require.True(t, revoked.Disabled)
	require.Empty(t, revoked.APIKeyHash)

	var reloaded models.Device
	require.NoError(t, db.Take(&reloaded, "id = ?", device.ID).Error)
	require.True(t, reloaded.Disabled)
	require.Empty(t, reloaded.APIKeyHash)
	require.EqualValues(t, 1, auditCount(t, db, device.ID, models.AuditAdminDeviceRevoke))
}

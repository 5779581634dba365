package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/database/testutil"
	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/internal/services"
)

type hubFixture struct {
	db     *gorm.DB
	hub    *Hub
	server *httptest.Server
}

// setupHub wires a hub against a real database and exposes it through a test
// HTTP handler that trusts identity from query parameters. Authentication is
// the HTTP layer's job in production; here the fixture plays that role.
func setupHub(t *testing.T) *hubFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	hub := NewHub()

	devices, err := services.NewDeviceService(db, audit, hub, services.DeviceConfig{})
	require.NoError(t, err)

	hub.Bind(devices, audit)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		client := Client{
			Role:     Role(q.Get("role")),
			UserID:   q.Get("user_id"),
			DeviceID: q.Get("device_id"),
		}
		var rooms []string
		if raw := q.Get("rooms"); raw != "" {
			rooms = strings.Split(raw, ",")
		}
		hub.Serve(client, rooms, w, r)
	}))
	t.Cleanup(server.Close)

	return &hubFixture{db: db, hub: hub, server: server}
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *hubFixture) dialAgent(t *testing.T, deviceID string) *websocket.Conn {
	return f.dial(t, "role=agent&device_id="+deviceID)
}

func (f *hubFixture) dialObserver(t *testing.T, userID string, rooms ...string) *websocket.Conn {
	ws := f.dial(t, "role=observer&user_id="+userID+"&rooms="+strings.Join(rooms, ","))
	// Room membership is established server-side just after the handshake;
	// give it a beat so broadcasts fired next are not missed.
	time.Sleep(50 * time.Millisecond)
	return ws
}

func (f *hubFixture) createUser(t *testing.T) *models.User {
	t.Helper()
	user := &models.User{Email: uuid.NewString() + "@example.com", Password: "x"}
	require.NoError(t, f.db.Create(user).Error)
	return user
}

func (f *hubFixture) createDevice(t *testing.T, ownerID *string) *models.Device {
	t.Helper()
	device := &models.Device{Name: "Mirror", OwnerID: ownerID}
	require.NoError(t, f.db.Create(device).Error)
	return device
}

// readEvent blocks until a frame with the wanted event name arrives, skipping
// unrelated traffic such as interleaved presence updates.
func readEvent(t *testing.T, ws *websocket.Conn, wanted string) Event {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))

	for time.Now().Before(deadline) {
		var ev Event
		require.NoError(t, ws.ReadJSON(&ev))
		if ev.Event == wanted {
			return ev
		}
	}
	t.Fatalf("no %q event before deadline", wanted)
	return Event{}
}

func TestAgentConnectMarksDeviceOnline(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID, device.ID)
	_ = f.dialAgent(t, device.ID)

	ev := readEvent(t, observer, "presence")
	require.Equal(t, device.ID, ev.Room)
	require.Equal(t, true, ev.Data["online"])

	require.Eventually(t, func() bool {
		return f.hub.AgentOnline(device.ID)
	}, 2*time.Second, 20*time.Millisecond)

	// The liveness signal is persisted, not just broadcast.
	var reloaded models.Device
	require.NoError(t, f.db.Take(&reloaded, "id = ?", device.ID).Error)
	require.NotNil(t, reloaded.LastSeenAt)
}

func TestAgentDisconnectBroadcastsOffline(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID, device.ID)
	agent := f.dialAgent(t, device.ID)

	readEvent(t, observer, "presence") // online

	require.NoError(t, agent.Close())

	ev := readEvent(t, observer, "presence")
	for ev.Data["online"] == true {
		ev = readEvent(t, observer, "presence")
	}
	require.Equal(t, false, ev.Data["online"])
	require.NotEmpty(t, ev.Data["last_seen_at"])

	require.Eventually(t, func() bool {
		return !f.hub.AgentOnline(device.ID)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBroadcastRoomIsScopedToDevice(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	mine := f.createDevice(t, &owner.ID)
	other := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID, mine.ID)

	f.hub.BroadcastRoom(other.ID, "leds:update", map[string]any{"on": true})
	f.hub.BroadcastRoom(mine.ID, "leds:update", map[string]any{"on": false})

	ev := readEvent(t, observer, "leds:update")
	require.Equal(t, mine.ID, ev.Room)
	require.Equal(t, false, ev.Data["on"])
}

func TestObserverCannotJoinForeignRoom(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	stranger := f.createUser(t)
	device := f.createDevice(t, &owner.ID)
	ownDevice := f.createDevice(t, &stranger.ID)

	observer := f.dialObserver(t, stranger.ID, device.ID, ownDevice.ID)

	f.hub.BroadcastRoom(device.ID, "leds:update", map[string]any{"secret": true})
	f.hub.BroadcastRoom(ownDevice.ID, "leds:update", map[string]any{"secret": false})

	// Only the owned room's event arrives.
	ev := readEvent(t, observer, "leds:update")
	require.Equal(t, ownDevice.ID, ev.Room)
}

func TestObserverSubscribeAndPing(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID)

	require.NoError(t, observer.WriteJSON(map[string]any{
		"action":  "subscribe",
		"devices": []string{device.ID},
	}))
	require.NoError(t, observer.WriteJSON(map[string]any{"action": "ping"}))
	readEvent(t, observer, "pong")

	f.hub.BroadcastRoom(device.ID, "widgets:update", nil)
	ev := readEvent(t, observer, "widgets:update")
	require.Equal(t, device.ID, ev.Room)

	require.NoError(t, observer.WriteJSON(map[string]any{
		"action":  "unsubscribe",
		"devices": []string{device.ID},
	}))
	require.NoError(t, observer.WriteJSON(map[string]any{"action": "ping"}))
	readEvent(t, observer, "pong")

	f.hub.BroadcastRoom(device.ID, "widgets:update", nil)
	require.NoError(t, observer.WriteJSON(map[string]any{"action": "ping"}))

	// The very next frame is the pong: the unsubscribed room's broadcast
	// never reached this socket.
	var next Event
	require.NoError(t, observer.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, observer.ReadJSON(&next))
	require.Equal(t, "pong", next.Event)
}

func TestAgentNackIsRelayedAndAudited(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID, device.ID)
	agent := f.dialAgent(t, device.ID)

	require.NoError(t, agent.WriteJSON(map[string]any{
		"event": "agent:nack",
		"data":  map[string]any{"reason": "led strip unreachable"},
	}))

	ev := readEvent(t, observer, "agent:nack")
	require.Equal(t, "led strip unreachable", ev.Data["reason"])

	require.Eventually(t, func() bool {
		var count int64
		err := f.db.Model(&models.AuditRecord{}).
			Where("device_id = ? AND type = ?", device.ID, models.AuditAgentNack).
			Count(&count).Error
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAgentStateReportIsRelayedNotPersisted(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	observer := f.dialObserver(t, owner.ID, device.ID)
	agent := f.dialAgent(t, device.ID)

	require.NoError(t, agent.WriteJSON(map[string]any{
		"event": "state:report",
		"data":  map[string]any{"leds": map[string]any{"on": true}},
	}))

	ev := readEvent(t, observer, "state:update")
	require.NotNil(t, ev.Data["leds"])

	// Reported hardware state never lands in the database.
	var count int64
	require.NoError(t, f.db.Model(&models.LedState{}).Where("device_id = ?", device.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestAgentPingGetsPong(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	agent := f.dialAgent(t, device.ID)
	require.NoError(t, agent.WriteJSON(map[string]any{"event": "ping"}))
	readEvent(t, agent, "pong")
}

func TestAgentRegisterCountsAsLiveness(t *testing.T) {
	f := setupHub(t)
	owner := f.createUser(t)
	device := f.createDevice(t, &owner.ID)

	agent := f.dialAgent(t, device.ID)

	// Wipe the liveness mark the handshake left behind so the frame itself
	// has to restore it.
	require.NoError(t, f.db.Model(&models.Device{}).
		Where("id = ?", device.ID).
		Update("last_seen_at", nil).Error)

	require.NoError(t, agent.WriteJSON(map[string]any{"event": "register"}))

	require.Eventually(t, func() bool {
		var reloaded models.Device
		if err := f.db.Take(&reloaded, "id = ?", device.ID).Error; err != nil {
			return false
		}
		return reloaded.LastSeenAt != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEnqueueAfterCloseDoesNotPanic(t *testing.T) {
	hub := NewHub()
	conn := newConnection(hub, nil, Client{Role: RoleObserver, UserID: "u"})

	conn.close()

	// A broadcast racing the teardown must be discarded, not crash the room.
	require.NotPanics(t, func() {
		hub.enqueue(conn, Event{Event: "leds:update"})
	})
}

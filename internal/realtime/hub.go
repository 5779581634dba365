package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/logger"
	"github.com/aurahome/aura-server/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 << 10 // 256 KiB

	defaultBufferSize = 64
)

// Role identifies which side of a device room a socket belongs to.
type Role string

const (
	// RoleAgent is the mirror process itself; exactly its own device room.
	RoleAgent Role = "agent"
	// RoleObserver is a browser or app session watching device rooms.
	RoleObserver Role = "observer"
)

// Client is the authenticated identity a socket was opened with. The HTTP
// handler resolves it before the upgrade; the hub never re-authenticates.
type Client struct {
	Role     Role
	UserID   string
	DeviceID string
}

// Event is the JSON frame delivered to room members.
type Event struct {
	Room  string         `json:"room,omitempty"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// inboundMessage covers both agent reports and observer control frames.
type inboundMessage struct {
	Event   string         `json:"event,omitempty"`
	Action  string         `json:"action,omitempty"`
	Devices []string       `json:"devices,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Hub coordinates per-device rooms. Agents publish liveness and report
// frames into their own room; observers join rooms for devices they own.
// Presence is derived from agent socket lifecycle plus heartbeats, never
// stored as a flag.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*connection]struct{}
	agents   map[string]int
	upgrader websocket.Upgrader

	devices *services.DeviceService
	audit   *services.AuditService
	log     *zap.Logger
	now     func() time.Time
}

// NewHub constructs an empty hub. Bind must be called before Serve because
// the device service itself broadcasts through the hub, which makes the two
// mutually dependent at construction time.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*connection]struct{}),
		agents: make(map[string]int),
		log:    logger.WithModule("realtime"),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Agents connect without an Origin header. Browsers must be
				// same-origin or explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Bind attaches the services the hub calls back into for presence and audit.
func (h *Hub) Bind(devices *services.DeviceService, audit *services.AuditService) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = devices
	h.audit = audit
}

// Serve upgrades the request and runs the socket until it closes. Agents are
// pinned to their own device room; observers join the supplied rooms after an
// ownership check and may subscribe to more later.
func (h *Hub) Serve(client Client, rooms []string, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(h, socket, client)

	if client.Role == RoleAgent {
		h.joinRoom(conn, client.DeviceID)
		h.agentConnected(client.DeviceID)
	} else {
		for _, deviceID := range uniqueRooms(rooms) {
			h.observe(conn, deviceID)
		}
	}

	go conn.writeLoop()
	conn.readLoop()
}

// BroadcastRoom publishes an event to every socket in a device room. It is
// the services.Broadcaster implementation; delivery is best-effort and slow
// consumers are dropped rather than allowed to stall the room.
func (h *Hub) BroadcastRoom(deviceID, event string, data map[string]any) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || event == "" {
		return
	}
	metrics.RealtimeEvents.WithLabelValues(event).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.rooms[deviceID] {
		h.enqueue(conn, Event{Room: deviceID, Event: event, Data: data})
	}
}

// AgentOnline reports whether at least one agent socket is attached for the
// device right now.
func (h *Hub) AgentOnline(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[deviceID] > 0
}

func (h *Hub) observe(conn *connection, deviceID string) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return
	}

	h.mu.RLock()
	devices := h.devices
	h.mu.RUnlock()
	if devices == nil {
		return
	}

	if _, err := devices.EnsureOwned(context.Background(), conn.client.UserID, deviceID); err != nil {
		h.log.Debug("observer subscription refused",
			zap.String("user_id", conn.client.UserID),
			zap.String("device_id", deviceID))
		return
	}
	h.joinRoom(conn, deviceID)
}

func (h *Hub) joinRoom(conn *connection, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.rooms == nil {
		conn.rooms = make(map[string]struct{})
	}
	if _, exists := conn.rooms[deviceID]; exists {
		return
	}
	if h.rooms[deviceID] == nil {
		h.rooms[deviceID] = make(map[*connection]struct{})
	}
	conn.rooms[deviceID] = struct{}{}
	h.rooms[deviceID][conn] = struct{}{}
}

func (h *Hub) leaveRoom(conn *connection, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(conn, deviceID)
}

func (h *Hub) leaveRoomLocked(conn *connection, deviceID string) {
	members, ok := h.rooms[deviceID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, deviceID)
	}
	delete(conn.rooms, deviceID)
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	for deviceID := range conn.rooms {
		h.leaveRoomLocked(conn, deviceID)
	}
	h.mu.Unlock()

	if conn.client.Role == RoleAgent {
		h.agentDisconnected(conn.client.DeviceID)
	}
}

// agentConnected counts the socket and records liveness. The presence
// broadcast rides on TouchPresence so observers see online immediately.
func (h *Hub) agentConnected(deviceID string) {
	h.mu.Lock()
	h.agents[deviceID]++
	devices := h.devices
	h.mu.Unlock()

	metrics.ConnectedAgents.Inc()
	if devices != nil {
		devices.TouchPresence(context.Background(), deviceID)
	}
}

// agentDisconnected decrements the per-device count; when the last agent
// socket for the device drops, the room is told offline right away instead
// of waiting out the presence window.
func (h *Hub) agentDisconnected(deviceID string) {
	h.mu.Lock()
	h.agents[deviceID]--
	last := h.agents[deviceID] <= 0
	if last {
		delete(h.agents, deviceID)
	}
	h.mu.Unlock()

	metrics.ConnectedAgents.Dec()
	if last {
		seen := h.now().UTC()
		h.BroadcastRoom(deviceID, "presence", map[string]any{
			"online":       false,
			"last_seen_at": seen.Format(time.RFC3339),
		})
	}
}

func (h *Hub) enqueue(conn *connection, event Event) {
	if conn.trySend(event) {
		return
	}
	h.log.Warn("dropping backpressured socket",
		zap.String("role", string(conn.client.Role)),
		zap.String("device_id", conn.client.DeviceID),
		zap.String("user_id", conn.client.UserID))
	// enqueue may run under the rooms read lock; close takes the write
	// lock, so it must not run inline here.
	go conn.close()
}

// handleAgentMessage routes one inbound agent frame. Any frame counts as a
// liveness signal.
func (h *Hub) handleAgentMessage(conn *connection, msg inboundMessage) {
	deviceID := conn.client.DeviceID

	h.mu.RLock()
	devices, audit := h.devices, h.audit
	h.mu.RUnlock()

	if devices != nil {
		devices.TouchPresence(context.Background(), deviceID)
	}

	switch msg.Event {
	case "heartbeat", "register", "":
		// Pure liveness frames; presence already touched above.
	case "agent:ack":
		h.BroadcastRoom(deviceID, "agent:ack", msg.Data)
	case "agent:nack":
		h.BroadcastRoom(deviceID, "agent:nack", msg.Data)
		if audit != nil {
			if err := audit.Log(context.Background(), services.AuditEntry{
				DeviceID: &deviceID,
				Type:     models.AuditAgentNack,
				Payload:  msg.Data,
			}); err != nil {
				h.log.Error("failed to audit agent nack", zap.Error(err))
			}
		}
	case "state:report":
		// The agent is authoritative for its hardware; relay the observed
		// state to observers without persisting it.
		h.BroadcastRoom(deviceID, "state:update", msg.Data)
	case "ping":
		h.enqueue(conn, Event{Event: "pong"})
	default:
		h.log.Debug("unsupported agent event",
			zap.String("event", msg.Event),
			zap.String("device_id", deviceID))
	}
}

// handleObserverMessage routes observer control frames.
func (h *Hub) handleObserverMessage(conn *connection, msg inboundMessage) {
	switch strings.ToLower(strings.TrimSpace(msg.Action)) {
	case "subscribe":
		for _, deviceID := range uniqueRooms(msg.Devices) {
			h.observe(conn, deviceID)
		}
	case "unsubscribe":
		for _, deviceID := range uniqueRooms(msg.Devices) {
			h.leaveRoom(conn, deviceID)
		}
	case "ping":
		h.enqueue(conn, Event{Event: "pong"})
	default:
		h.log.Debug("unsupported control action",
			zap.String("action", msg.Action),
			zap.String("user_id", conn.client.UserID))
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	client Client
	rooms  map[string]struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	send   chan Event
}

func newConnection(hub *Hub, socket *websocket.Conn, client Client) *connection {
	return &connection{
		hub:    hub,
		socket: socket,
		client: client,
		send:   make(chan Event, defaultBufferSize),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected socket close",
					zap.String("device_id", c.client.DeviceID),
					zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.log.Debug("invalid inbound frame", zap.Error(err))
			continue
		}

		if c.client.Role == RoleAgent {
			c.hub.handleAgentMessage(c, msg)
		} else {
			c.hub.handleObserverMessage(c, msg)
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend buffers the event for the write loop. Events for a connection that
// is already shutting down are discarded and reported as sent; false means
// genuine backpressure.
func (c *connection) trySend(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// shutdownSend closes the send channel exactly once, fencing off concurrent
// trySend callers first so none of them hit a closed channel.
func (c *connection) shutdownSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	close(c.send)
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.shutdownSend()
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func uniqueRooms(rooms []string) []string {
	seen := make(map[string]struct{}, len(rooms))
	var result []string
	for _, room := range rooms {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		if _, exists := seen[room]; exists {
			continue
		}
		seen[room] = struct{}{}
		result = append(result, room)
	}
	return result
}

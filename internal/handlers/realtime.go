package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/realtime"
	"github.com/aurahome/aura-server/pkg/errors"
	"github.com/aurahome/aura-server/pkg/response"
)

// RealtimeHandler upgrades authenticated callers into the hub. It runs the
// gate itself instead of the auth middleware because browsers cannot set an
// Authorization header on a websocket handshake; a ?token= query fallback
// carries the bearer token in that case.
type RealtimeHandler struct {
	hub  *realtime.Hub
	gate *iauth.Gate
}

func NewRealtimeHandler(hub *realtime.Hub, gate *iauth.Gate) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, gate: gate}
}

// GET /api/v1/realtime?devices=a,b&token=...
func (h *RealtimeHandler) Serve(c *gin.Context) {
	creds := iauth.CredentialsFromRequest(c.Request)
	creds.HandshakeToken = strings.TrimSpace(c.Query("token"))
	if creds.DeviceID == "" {
		creds.DeviceID = strings.TrimSpace(c.Query("device_id"))
	}

	principal, err := h.gate.Authenticate(creds)
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	client := realtime.Client{
		UserID:   principal.UserID,
		DeviceID: principal.DeviceID,
	}

	var rooms []string
	switch principal.Kind {
	case iauth.PrincipalAgent:
		client.Role = realtime.RoleAgent
	case iauth.PrincipalUser:
		client.Role = realtime.RoleObserver
		for _, id := range strings.Split(c.Query("devices"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				rooms = append(rooms, id)
			}
		}
	default:
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	h.hub.Serve(client, rooms, c.Writer, c.Request)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/errors"
	"github.com/aurahome/aura-server/pkg/response"
)

// DeviceHandler covers device listing, pairing, lifecycle, and agent
// liveness endpoints.
type DeviceHandler struct {
	devices *services.DeviceService
	pairing *services.PairingService
}

func NewDeviceHandler(devices *services.DeviceService, pairing *services.PairingService) *DeviceHandler {
	return &DeviceHandler{devices: devices, pairing: pairing}
}

// GET /api/v1/devices
func (h *DeviceHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	devices, err := h.devices.ListOwned(requestContext(c), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"devices": devices})
}

type pairRequest struct {
	DeviceID string `json:"device_id" validate:"required,uuid4"`
	Token    string `json:"token" validate:"required,min=6,max=6"`
}

// POST /api/v1/devices/pair
func (h *DeviceHandler) Pair(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req pairRequest
	if !bindAndValidate(c, &req) {
		return
	}

	device, result, err := h.pairing.Redeem(requestContext(c), userID, req.DeviceID, req.Token)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"device": device, "result": result})
}

type renameRequest struct {
	Name string `json:"name" validate:"required,min=1,max=80"`
}

// PUT /api/v1/devices/:id
func (h *DeviceHandler) Rename(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req renameRequest
	if !bindAndValidate(c, &req) {
		return
	}

	device, err := h.devices.Rename(requestContext(c), userID, c.Param("id"), req.Name)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, device)
}

// DELETE /api/v1/devices/:id
func (h *DeviceHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.devices.Delete(requestContext(c), userID, c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}

	response.NoContent(c)
}

// POST /api/v1/devices/:id/unpair
//
// Both the owning user and the device's own agent may unpair. The actor kind
// decides the audit attribution.
func (h *DeviceHandler) Unpair(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")

	var actorUserID *string
	viaAgent := false
	switch principal.Kind {
	case iauth.PrincipalUser:
		actorUserID = &principal.UserID
	case iauth.PrincipalAgent:
		if !principal.IsAgentFor(deviceID) {
			response.Error(c, errors.ErrForbidden)
			return
		}
		viaAgent = true
	default:
		response.Error(c, errors.ErrForbidden)
		return
	}

	if err := h.pairing.Unpair(requestContext(c), actorUserID, viaAgent, deviceID); err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"unpaired": true})
}

// GET /api/v1/devices/:id/online
func (h *DeviceHandler) Online(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	online, lastSeen, err := h.devices.Online(requestContext(c), userID, c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"online": online, "last_seen_at": lastSeen})
}

type pairingTokenRequest struct {
	Transfer bool `json:"transfer"`
}

// POST /api/v1/devices/:id/pairing-token
//
// Only the device's own agent can mint a code: issuance proves physical
// access to the mirror.
func (h *DeviceHandler) IssuePairingToken(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")
	if !principal.IsAgentFor(deviceID) {
		response.Error(c, errors.ErrForbidden)
		return
	}

	var req pairingTokenRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &req) {
		return
	}

	issued, err := h.pairing.IssueToken(requestContext(c), deviceID, req.Transfer)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, issued)
}

// POST /api/v1/devices/:id/heartbeat
func (h *DeviceHandler) Heartbeat(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")
	if !principal.IsAgentFor(deviceID) {
		response.Error(c, errors.ErrForbidden)
		return
	}

	var payload map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, errors.NewBadRequest("invalid JSON payload"))
			return
		}
	}

	if err := h.devices.Heartbeat(requestContext(c), deviceID, payload); err != nil {
		respondServiceError(c, err)
		return
	}

	response.NoContent(c)
}

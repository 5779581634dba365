package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/errors"
	"github.com/aurahome/aura-server/pkg/response"
)

// StateHandler exposes the device state coordinator over REST.
type StateHandler struct {
	state   *services.StateService
	devices *services.DeviceService
}

func NewStateHandler(state *services.StateService, devices *services.DeviceService) *StateHandler {
	return &StateHandler{state: state, devices: devices}
}

// GET /api/v1/devices/:id/state
//
// The owning user and the device's own agent both read the same snapshot;
// agents replay it at boot to restore hardware state.
func (h *StateHandler) GetState(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")

	switch principal.Kind {
	case iauth.PrincipalAgent:
		if !principal.IsAgentFor(deviceID) {
			response.Error(c, errors.ErrForbidden)
			return
		}
	case iauth.PrincipalUser:
		if _, err := h.devices.EnsureOwned(requestContext(c), principal.UserID, deviceID); err != nil {
			respondServiceError(c, err)
			return
		}
	default:
		response.Error(c, errors.ErrForbidden)
		return
	}

	snapshot, err := h.state.GetSnapshot(requestContext(c), deviceID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, snapshot)
}

// GET /api/v1/devices/:id/leds
func (h *StateHandler) GetLeds(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")

	if _, err := h.devices.EnsureOwned(requestContext(c), userID, deviceID); err != nil {
		respondServiceError(c, err)
		return
	}

	leds, err := h.state.Leds(requestContext(c), deviceID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, leds)
}

type ledStyleRequest struct {
	Color      *string `json:"color" validate:"omitempty,hexcolor"`
	Brightness *int    `json:"brightness" validate:"omitempty,min=0,max=100"`
	Preset     *string `json:"preset" validate:"omitempty,max=64"`
}

// PUT /api/v1/devices/:id/leds
func (h *StateHandler) UpdateLeds(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req ledStyleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	leds, err := h.state.SetLedStyle(requestContext(c), userID, c.Param("id"), services.LedStyleUpdate{
		Color:      req.Color,
		Brightness: req.Brightness,
		Preset:     req.Preset,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, leds)
}

type ledPowerRequest struct {
	On *bool `json:"on" validate:"required"`
}

// POST /api/v1/devices/:id/leds/state
func (h *StateHandler) SetLedPower(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req ledPowerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	leds, err := h.state.SetLedPower(requestContext(c), userID, c.Param("id"), *req.On)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, leds)
}

type musicCmdRequest struct {
	Action string `json:"action" validate:"required,oneof=play pause next prev"`
}

// POST /api/v1/devices/:id/music/cmd
func (h *StateHandler) MusicCommand(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req musicCmdRequest
	if !bindAndValidate(c, &req) {
		return
	}

	music, err := h.state.MusicCommand(requestContext(c), userID, c.Param("id"), req.Action)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, music)
}

type musicVolumeRequest struct {
	Volume *int `json:"volume" validate:"required,min=0,max=100"`
}

// PUT /api/v1/devices/:id/music/volume
func (h *StateHandler) MusicVolume(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req musicVolumeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	music, err := h.state.MusicSetVolume(requestContext(c), userID, c.Param("id"), *req.Volume)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, music)
}

// GET /api/v1/devices/:id/widgets
func (h *StateHandler) GetWidgets(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	deviceID := c.Param("id")

	if _, err := h.devices.EnsureOwned(requestContext(c), userID, deviceID); err != nil {
		respondServiceError(c, err)
		return
	}

	widgets, err := h.state.Widgets(requestContext(c), deviceID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"widgets": widgets})
}

type widgetsRequest struct {
	Items []services.WidgetItem `json:"items" validate:"required,dive"`
}

// PUT /api/v1/devices/:id/widgets
func (h *StateHandler) UpdateWidgets(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req widgetsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	widgets, err := h.state.WidgetsReplace(requestContext(c), userID, c.Param("id"), req.Items)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"widgets": widgets})
}

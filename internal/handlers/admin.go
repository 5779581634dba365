package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/response"
)

// AdminHandler is the fleet surface: every registered device and user,
// regardless of ownership. Routes are guarded by the admin middleware.
type AdminHandler struct {
	devices *services.DeviceService
	users   *services.UserService
}

func NewAdminHandler(devices *services.DeviceService, users *services.UserService) *AdminHandler {
	return &AdminHandler{devices: devices, users: users}
}

// GET /api/v1/admin/devices
func (h *AdminHandler) Devices(c *gin.Context) {
	devices, err := h.devices.AdminList(requestContext(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"devices": devices})
}

// GET /api/v1/admin/users
func (h *AdminHandler) Users(c *gin.Context) {
	users, err := h.users.ListUsers(requestContext(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"users": users})
}

// POST /api/v1/admin/devices/:id/revoke
//
// Revocation disables the device and destroys its key hash, cutting off the
// agent until the device is re-provisioned.
func (h *AdminHandler) RevokeDevice(c *gin.Context) {
	adminID, ok := currentUserID(c)
	if !ok {
		return
	}

	device, err := h.devices.AdminRevoke(requestContext(c), adminID, c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, device)
}

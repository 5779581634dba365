package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/response"
)

// AuditHandler exposes the append-only audit trail. Scoping happens in the
// service: admins see everything, users see their own actions and their
// devices' records.
type AuditHandler struct {
	audits *services.AuditService
	users  *services.UserService
}

func NewAuditHandler(audits *services.AuditService, users *services.UserService) *AuditHandler {
	return &AuditHandler{audits: audits, users: users}
}

// GET /api/v1/audits?device_id=&type=&limit=
func (h *AuditHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	caller, err := h.users.Get(requestContext(c), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	filters := services.AuditFilters{
		DeviceID: strings.TrimSpace(c.Query("device_id")),
		Type:     strings.TrimSpace(c.Query("type")),
		Limit:    parseIntQuery(c, "limit", 0),
	}

	records, err := h.audits.List(requestContext(c), caller, filters)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"audits": records})
}

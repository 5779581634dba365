package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/response"
)

// MeHandler exposes the authenticated user's profile, preferences, and
// refresh sessions.
type MeHandler struct {
	users    *services.UserService
	sessions *iauth.SessionService
}

func NewMeHandler(users *services.UserService, sessions *iauth.SessionService) *MeHandler {
	return &MeHandler{users: users, sessions: sessions}
}

// GET /api/v1/me
func (h *MeHandler) Me(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.users.Get(requestContext(c), userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, user)
}

type prefsRequest struct {
	Theme        *string `json:"theme" validate:"omitempty,oneof=light dark"`
	UnitSystem   *string `json:"unit_system" validate:"omitempty,oneof=metric imperial"`
	Locale       *string `json:"locale" validate:"omitempty,max=16"`
	WidgetsOrder any     `json:"widgets_order"`
}

type updateMeRequest struct {
	FirstName *string       `json:"first_name" validate:"omitempty,max=80"`
	LastName  *string       `json:"last_name" validate:"omitempty,max=80"`
	Prefs     *prefsRequest `json:"prefs"`
}

// PUT /api/v1/me
func (h *MeHandler) UpdateMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req updateMeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	update := services.ProfileUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	if req.Prefs != nil {
		update.Prefs = &services.PrefsUpdate{
			Theme:        req.Prefs.Theme,
			UnitSystem:   req.Prefs.UnitSystem,
			Locale:       req.Prefs.Locale,
			WidgetsOrder: req.Prefs.WidgetsOrder,
		}
	}

	user, err := h.users.UpdateProfile(requestContext(c), userID, update)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, user)
}

// GET /api/v1/me/sessions
func (h *MeHandler) Sessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListUserSessions(userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// DELETE /api/v1/me/sessions/:id
func (h *MeHandler) DeleteSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.sessions.DeleteUserSession(userID, c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}

	response.NoContent(c)
}

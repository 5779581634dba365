package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/middleware"
	"github.com/aurahome/aura-server/internal/services"
	appErrors "github.com/aurahome/aura-server/pkg/errors"
	"github.com/aurahome/aura-server/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// currentPrincipal returns the gate-resolved identity, writing a 401 when absent.
func currentPrincipal(c *gin.Context) (*iauth.Principal, bool) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok || principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return principal, true
}

// currentUserID returns the authenticated user ID, writing a 401 when the
// caller is not a user principal.
func currentUserID(c *gin.Context) (string, bool) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return "", false
	}
	if principal.Kind != iauth.PrincipalUser || principal.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return "", false
	}
	return principal.UserID, true
}

// respondServiceError translates domain sentinel errors into API errors so
// every handler maps them consistently.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrDeviceNotFound), errors.Is(err, services.ErrUserNotFound):
		response.Error(c, appErrors.ErrNotFound)
	case errors.Is(err, services.ErrDeviceDisabled):
		response.Error(c, appErrors.ErrConflict.WithMessage("Device is disabled"))
	case errors.Is(err, services.ErrNotOwner):
		response.Error(c, appErrors.ErrForbidden)
	case errors.Is(err, services.ErrNoActiveToken):
		response.Error(c, appErrors.NewBadRequest("no active pairing token"))
	case errors.Is(err, services.ErrInvalidToken):
		response.Error(c, appErrors.ErrUnauthorized.WithMessage("Invalid pairing token"))
	case errors.Is(err, services.ErrTokenExpired):
		response.Error(c, appErrors.ErrGone.WithMessage("Pairing token expired"))
	case errors.Is(err, services.ErrAlreadyPaired):
		response.Error(c, appErrors.ErrConflict.WithMessage("Device is already paired"))
	case errors.Is(err, services.ErrEmailTaken):
		response.Error(c, appErrors.ErrConflict.WithMessage("Email is already registered"))
	case errors.Is(err, services.ErrInvalidMusicAction):
		response.Error(c, appErrors.NewBadRequest("invalid music action"))
	case errors.Is(err, iauth.ErrSessionInvalidToken), errors.Is(err, iauth.ErrSessionUserGone):
		response.Error(c, appErrors.ErrUnauthorized)
	case errors.Is(err, iauth.ErrSessionNotFound):
		response.Error(c, appErrors.ErrNotFound)
	default:
		response.Error(c, err)
	}
}

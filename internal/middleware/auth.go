package middleware

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/services"
	"github.com/aurahome/aura-server/pkg/errors"
	"github.com/aurahome/aura-server/pkg/response"
)

const (
	CtxPrincipalKey = "authPrincipal"
	CtxUserIDKey    = "userID"
	CtxDeviceIDKey  = "deviceID"
)

// Authenticate resolves the caller through the dual-mode gate. Both user
// bearer tokens and device api keys pass; route groups narrow the kind with
// RequireUser or RequireAgent.
func Authenticate(gate *iauth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := gate.Authenticate(iauth.CredentialsFromRequest(c.Request))
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(CtxPrincipalKey, principal)
		switch principal.Kind {
		case iauth.PrincipalUser:
			c.Set(CtxUserIDKey, principal.UserID)
		case iauth.PrincipalAgent:
			c.Set(CtxDeviceIDKey, principal.DeviceID)
		}

		c.Next()
	}
}

// RequireUser rejects agent principals. It must run after Authenticate.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Kind != iauth.PrincipalUser {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAgent rejects user principals. It must run after Authenticate.
func RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Kind != iauth.PrincipalAgent {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin loads the authenticated user and rejects non-admins. It must
// run after Authenticate.
func RequireAdmin(users *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Kind != iauth.PrincipalUser {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		user, err := users.Get(c.Request.Context(), principal.UserID)
		if err != nil {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		if !user.IsAdmin() {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

// PrincipalFromContext returns the principal set by Authenticate.
func PrincipalFromContext(c *gin.Context) (*iauth.Principal, bool) {
	value, exists := c.Get(CtxPrincipalKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*iauth.Principal)
	return principal, ok
}

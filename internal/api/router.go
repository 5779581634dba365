package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/app"
	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/handlers"
	"github.com/aurahome/aura-server/internal/middleware"
	"github.com/aurahome/aura-server/internal/realtime"
	"github.com/aurahome/aura-server/internal/services"
)

// Dependencies carries every constructed component the router mounts. All
// fields are required.
type Dependencies struct {
	DB       *gorm.DB
	Config   *app.Config
	Gate     *iauth.Gate
	Sessions *iauth.SessionService
	Users    *services.UserService
	Devices  *services.DeviceService
	Pairing  *services.PairingService
	State    *services.StateService
	Audits   *services.AuditService
	Hub      *realtime.Hub
}

func (d Dependencies) validate() error {
	switch {
	case d.DB == nil:
		return fmt.Errorf("database handle must be provided")
	case d.Config == nil:
		return fmt.Errorf("config must be provided")
	case d.Gate == nil:
		return fmt.Errorf("auth gate must be provided")
	case d.Sessions == nil:
		return fmt.Errorf("session service must be provided")
	case d.Users == nil:
		return fmt.Errorf("user service must be provided")
	case d.Devices == nil:
		return fmt.Errorf("device service must be provided")
	case d.Pairing == nil:
		return fmt.Errorf("pairing service must be provided")
	case d.State == nil:
		return fmt.Errorf("state service must be provided")
	case d.Audits == nil:
		return fmt.Errorf("audit service must be provided")
	case d.Hub == nil:
		return fmt.Errorf("realtime hub must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware, and registers every
// route group under /api/v1.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(deps.Config.Server.AllowedOrigins))
	r.Use(middleware.RateLimit(deps.Config.Server.RateLimitPerMinute, time.Minute))

	r.NoRoute(middleware.NotFoundHandler)

	// Public surface
	r.GET("/health", handlers.Health(deps.DB))
	if deps.Config.Monitoring.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(deps.Users, deps.Sessions)
	meHandler := handlers.NewMeHandler(deps.Users, deps.Sessions)
	deviceHandler := handlers.NewDeviceHandler(deps.Devices, deps.Pairing)
	stateHandler := handlers.NewStateHandler(deps.State, deps.Devices)
	auditHandler := handlers.NewAuditHandler(deps.Audits, deps.Users)
	adminHandler := handlers.NewAdminHandler(deps.Devices, deps.Users)
	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.Gate)

	v1 := r.Group("/api/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
	}

	// The websocket handshake authenticates inside the handler because of
	// the query-token fallback.
	v1.GET("/realtime", realtimeHandler.Serve)

	authed := v1.Group("")
	authed.Use(middleware.Authenticate(deps.Gate))

	user := authed.Group("")
	user.Use(middleware.RequireUser())
	{
		user.GET("/me", meHandler.Me)
		user.PUT("/me", meHandler.UpdateMe)
		user.GET("/me/sessions", meHandler.Sessions)
		user.DELETE("/me/sessions/:id", meHandler.DeleteSession)

		user.GET("/devices", deviceHandler.List)
		user.POST("/devices/pair", deviceHandler.Pair)
		user.PUT("/devices/:id", deviceHandler.Rename)
		user.DELETE("/devices/:id", deviceHandler.Delete)
		user.GET("/devices/:id/online", deviceHandler.Online)

		user.GET("/devices/:id/leds", stateHandler.GetLeds)
		user.PUT("/devices/:id/leds", stateHandler.UpdateLeds)
		user.POST("/devices/:id/leds/state", stateHandler.SetLedPower)
		user.POST("/devices/:id/music/cmd", stateHandler.MusicCommand)
		user.PUT("/devices/:id/music/volume", stateHandler.MusicVolume)
		user.GET("/devices/:id/widgets", stateHandler.GetWidgets)
		user.PUT("/devices/:id/widgets", stateHandler.UpdateWidgets)

		user.GET("/audits", auditHandler.List)
	}

	// Dual-principal routes: user or agent, disambiguated in the handler.
	authed.POST("/devices/:id/unpair", deviceHandler.Unpair)
	authed.GET("/devices/:id/state", stateHandler.GetState)

	agent := authed.Group("")
	agent.Use(middleware.RequireAgent())
	{
		agent.POST("/devices/:id/pairing-token", deviceHandler.IssuePairingToken)
		agent.POST("/devices/:id/heartbeat", deviceHandler.Heartbeat)
	}

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireAdmin(deps.Users))
	{
		admin.GET("/devices", adminHandler.Devices)
		admin.GET("/users", adminHandler.Users)
		admin.POST("/devices/:id/revoke", adminHandler.RevokeDevice)
	}

	return r, nil
}

package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/api"
	"github.com/aurahome/aura-server/internal/app"
	iauth "github.com/aurahome/aura-server/internal/auth"
	"github.com/aurahome/aura-server/internal/realtime"
	"github.com/aurahome/aura-server/internal/services"
)

// runtimeStack is the fully wired application. The hub is constructed once
// here and handed to every service that fans out; nothing reaches for it
// through a global.
type runtimeStack struct {
	JWT      *iauth.JWTService
	Sessions *iauth.SessionService
	Gate     *iauth.Gate
	Hub      *realtime.Hub
	Audits   *services.AuditService
	Users    *services.UserService
	Devices  *services.DeviceService
	Pairing  *services.PairingService
	State    *services.StateService
	Router   *gin.Engine
}

func buildStack(cfg *app.Config, db *gorm.DB) (*runtimeStack, error) {
	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionSvc, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{
		RefreshTokenTTL: cfg.Auth.Session.RefreshTTL,
		RefreshLength:   cfg.Auth.Session.RefreshLength,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	gate, err := iauth.NewGate(db, jwtService)
	if err != nil {
		return nil, fmt.Errorf("initialise auth gate: %w", err)
	}

	hub := realtime.NewHub()

	auditSvc, err := services.NewAuditService(db)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	userSvc, err := services.NewUserService(db)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	deviceSvc, err := services.NewDeviceService(db, auditSvc, hub, services.DeviceConfig{
		PresenceTTL: cfg.Realtime.PresenceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise device service: %w", err)
	}

	pairingSvc, err := services.NewPairingService(db, auditSvc, services.PairingConfig{
		TokenTTL: cfg.Realtime.PairingTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise pairing service: %w", err)
	}

	stateSvc, err := services.NewStateService(db, deviceSvc, auditSvc, hub)
	if err != nil {
		return nil, fmt.Errorf("initialise state service: %w", err)
	}

	hub.Bind(deviceSvc, auditSvc)

	router, err := api.NewRouter(api.Dependencies{
		DB:       db,
		Config:   cfg,
		Gate:     gate,
		Sessions: sessionSvc,
		Users:    userSvc,
		Devices:  deviceSvc,
		Pairing:  pairingSvc,
		State:    stateSvc,
		Audits:   auditSvc,
		Hub:      hub,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	return &runtimeStack{
		JWT:      jwtService,
		Sessions: sessionSvc,
		Gate:     gate,
		Hub:      hub,
		Audits:   auditSvc,
		Users:    userSvc,
		Devices:  deviceSvc,
		Pairing:  pairingSvc,
		State:    stateSvc,
		Router:   router,
	}, nil
}

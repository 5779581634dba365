package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/pkg/crypto"
	"github.com/aurahome/aura-server/pkg/metrics"
)

// DefaultPairingTokenTTL bounds how long an issued pairing code stays
// redeemable. Codes are low-entropy, so the window is kept short.
const DefaultPairingTokenTTL = 2 * time.Minute

// PairingConfig carries tunables for the PairingService.
type PairingConfig struct {
	TokenTTL time.Duration
	Clock    func() time.Time
}

// IssuedToken is returned to the agent for on-screen display.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Transfer  bool      `json:"transfer"`
}

// PairingService owns the device pairing state machine: token issuance,
// redemption, and unpairing.
type PairingService struct {
	db       *gorm.DB
	audit    *AuditService
	tokenTTL time.Duration
	now      func() time.Time
}

// NewPairingService constructs a PairingService.
func NewPairingService(db *gorm.DB, audit *AuditService, cfg PairingConfig) (*PairingService, error) {
	if db == nil {
		return nil, errors.New("pairing service: db is required")
	}
	if audit == nil {
		return nil, errors.New("pairing service: audit service is required")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultPairingTokenTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &PairingService{
		db:       db,
		audit:    audit,
		tokenTTL: ttl,
		now:      clock,
	}, nil
}

// IssueToken generates a fresh six digit pairing code for the device,
// replacing any previously issued code. Only the device's own authenticated
// agent may request one; the handler enforces that identity match.
func (s *PairingService) IssueToken(ctx context.Context, deviceID string, transfer bool) (*IssuedToken, error) {
	ctx = ensureContext(ctx)

	var device models.Device
	err := s.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pairing service: load device: %w", err)
	}
	if device.Disabled {
		return nil, ErrDeviceDisabled
	}

	code, err := crypto.GeneratePairingCode()
	if err != nil {
		return nil, fmt.Errorf("pairing service: generate code: %w", err)
	}

	token := models.PairingToken{
		DeviceID:  deviceID,
		Token:     code,
		Transfer:  transfer,
		ExpiresAt: s.now().Add(s.tokenTTL),
	}

	// Single active token per device: a new request overwrites the old code.
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "transfer", "expires_at"}),
		}).
		Create(&token).Error; err != nil {
		return nil, fmt.Errorf("pairing service: store token: %w", err)
	}

	return &IssuedToken{Token: code, ExpiresAt: token.ExpiresAt, Transfer: transfer}, nil
}

// Redeem validates the presented code and binds the device to the user. The
// whole transition commits atomically; the token row is consumed with a
// guarded delete so two concurrent redemptions cannot both succeed. Returns
// the audit type describing the transition that took place.
func (s *PairingService) Redeem(ctx context.Context, userID, deviceID, presented string) (*models.Device, string, error) {
	ctx = ensureContext(ctx)

	var token models.PairingToken
	err := s.db.WithContext(ctx).Take(&token, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.PairingAttempts.WithLabelValues("rejected").Inc()
		return nil, "", ErrNoActiveToken
	}
	if err != nil {
		return nil, "", fmt.Errorf("pairing service: load token: %w", err)
	}

	now := s.now()
	if !token.ExpiresAt.After(now) {
		// Expired codes are reclaimed on discovery.
		_ = s.db.WithContext(ctx).Delete(&models.PairingToken{}, "device_id = ?", deviceID).Error
		metrics.PairingAttempts.WithLabelValues("rejected").Inc()
		return nil, "", ErrTokenExpired
	}
	if token.Token != presented {
		metrics.PairingAttempts.WithLabelValues("rejected").Inc()
		return nil, "", ErrInvalidToken
	}

	var device models.Device
	err = s.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrDeviceNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("pairing service: load device: %w", err)
	}
	if device.Disabled {
		metrics.PairingAttempts.WithLabelValues("rejected").Inc()
		return nil, "", ErrDeviceDisabled
	}

	priorOwner := device.OwnerID
	if priorOwner != nil && *priorOwner != userID && !token.Transfer {
		metrics.PairingAttempts.WithLabelValues("rejected").Inc()
		return nil, "", ErrAlreadyPaired
	}

	auditType := pairingAuditType(priorOwner, userID)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.PairingToken{}, "device_id = ? AND token = ?", deviceID, presented)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent redemption.
			return ErrNoActiveToken
		}

		if err := tx.Model(&models.Device{}).
			Where("id = ?", deviceID).
			Updates(map[string]any{
				"owner_id":  userID,
				"paired_at": now,
			}).Error; err != nil {
			return err
		}

		payload := map[string]any{}
		if priorOwner != nil {
			payload["prior_owner_id"] = *priorOwner
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: &userID,
			DeviceID:    &deviceID,
			Type:        auditType,
			Payload:     payload,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoActiveToken) {
			metrics.PairingAttempts.WithLabelValues("rejected").Inc()
			return nil, "", err
		}
		return nil, "", fmt.Errorf("pairing service: redeem: %w", err)
	}

	metrics.PairingAttempts.WithLabelValues(pairingOutcomeLabel(auditType)).Inc()

	device.OwnerID = &userID
	device.PairedAt = &now
	return &device, auditType, nil
}

// Unpair clears device ownership. Callable by the owning user (viaAgent
// false) or by the device's own agent (viaAgent true, actor nil). Repeated
// calls on an already unpaired device are a no-op.
func (s *PairingService) Unpair(ctx context.Context, actorUserID *string, viaAgent bool, deviceID string) error {
	ctx = ensureContext(ctx)

	var device models.Device
	err := s.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("pairing service: load device: %w", err)
	}

	if device.OwnerID == nil {
		return nil
	}

	if !viaAgent {
		if actorUserID == nil || *actorUserID != *device.OwnerID {
			return ErrNotOwner
		}
	}

	priorOwner := *device.OwnerID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Device{}).
			Where("id = ?", deviceID).
			Updates(map[string]any{
				"owner_id":  nil,
				"paired_at": nil,
			}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.PairingToken{}, "device_id = ?", deviceID).Error; err != nil {
			return err
		}
		return s.audit.LogTx(tx, AuditEntry{
			ActorUserID: actorUserID,
			DeviceID:    &deviceID,
			Type:        models.AuditDeviceUnpaired,
			Payload:     map[string]any{"prior_owner_id": priorOwner},
		})
	})
	if err != nil {
		return fmt.Errorf("pairing service: unpair: %w", err)
	}
	return nil
}

// CleanupExpired reclaims expired pairing tokens. Correctness does not depend
// on this sweep; expiry is always checked at redemption time.
func (s *PairingService) CleanupExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.PairingToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("pairing service: cleanup tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// pairingAuditType picks the audit tag for a redemption. A transfer token
// redeemed by the current owner records a re-pair, not a transfer, since no
// ownership actually changes.
func pairingAuditType(priorOwner *string, userID string) string {
	switch {
	case priorOwner == nil:
		return models.AuditDevicePaired
	case *priorOwner == userID:
		return models.AuditDeviceRepaired
	default:
		return models.AuditDeviceTransferred
	}
}

func pairingOutcomeLabel(auditType string) string {
	switch auditType {
	case models.AuditDevicePaired:
		return "paired"
	case models.AuditDeviceRepaired:
		return "repaired"
	default:
		return "transferred"
	}
}

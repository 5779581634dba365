package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/pkg/crypto"
	"github.com/aurahome/aura-server/pkg/metrics"
)

// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

var (
	// ErrSessionInvalidToken is returned when the presented refresh token matches
	// no live session. Expired sessions discovered during verification are
	// deleted and reported through this same error.
	ErrSessionInvalidToken = errors.New("session: invalid or expired token")
	// ErrSessionUserGone marks a session whose owning user no longer exists.
	ErrSessionUserGone = errors.New("session: user no longer exists")
	// ErrSessionNotFound indicates that no session matches the provided identifier.
	ErrSessionNotFound = errors.New("session: not found")
)

// SessionService manages creation, rotation, and revocation of refresh
// sessions. Refresh tokens are stored only as one-way hashes, so verification
// bcrypt-compares the presented token against a candidate bucket selected by a
// non-secret token prefix.
type SessionService struct {
	db         *gorm.DB
	jwt        *JWTService
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database and JWT service.
func NewSessionService(db *gorm.DB, jwtService *JWTService, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("session service: jwt service is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = 48
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		jwt:        jwtService,
		refreshTTL: ttl,
		tokenLen:   length,
		now:        clock,
	}, nil
}

// CreateSession generates a new session and issues a fresh token pair.
// Only the bcrypt hash of the refresh token is persisted.
func (s *SessionService) CreateSession(userID, email string, meta SessionMetadata) (TokenPair, *models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return TokenPair{}, nil, errors.New("session service: user id is required")
	}

	refreshToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	hash, err := crypto.HashToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: hash refresh token: %w", err)
	}

	now := s.now()

	session := &models.Session{
		UserID:      userID,
		TokenHash:   hash,
		TokenPrefix: crypto.TokenPrefix(refreshToken),
		IPAddress:   strings.TrimSpace(meta.IPAddress),
		UserAgent:   strings.TrimSpace(meta.UserAgent),
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedAt:   now,
	}

	if err := s.db.Create(session).Error; err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID: userID,
		Email:  email,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate access token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, session, nil
}

// RotateSession verifies the presented refresh token, invalidates the matched
// session, and issues a replacement bound to the same user. Two concurrent
// rotations of the same token yield exactly one success: the match is
// consumed with a guarded delete, and the loser observes zero rows affected.
func (s *SessionService) RotateSession(refreshToken string) (TokenPair, *models.Session, error) {
	session, err := s.findByToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}

	var user models.User
	if err := s.db.Take(&user, "id = ?", session.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Orphaned session: the owning user is gone, so remove it.
			_ = s.db.Delete(&models.Session{}, "id = ?", session.ID).Error
			return TokenPair{}, nil, ErrSessionUserGone
		}
		return TokenPair{}, nil, fmt.Errorf("session service: load user: %w", err)
	}

	newToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}
	newHash, err := crypto.HashToken(newToken)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: hash refresh token: %w", err)
	}

	now := s.now()
	replacement := &models.Session{
		UserID:      session.UserID,
		TokenHash:   newHash,
		TokenPrefix: crypto.TokenPrefix(newToken),
		IPAddress:   session.IPAddress,
		UserAgent:   session.UserAgent,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedAt:   now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Session{}, "id = ?", session.ID)
		if res.Error != nil {
			return fmt.Errorf("session service: consume session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// A concurrent rotation already consumed this session.
			return ErrSessionInvalidToken
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		return TokenPair{}, nil, err
	}

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate access token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newToken,
	}, replacement, nil
}

// RevokeSession deletes the session matching the presented refresh token.
// Revoking an unknown token is not an error.
func (s *SessionService) RevokeSession(refreshToken string) error {
	session, err := s.findByToken(refreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionInvalidToken) {
			return nil
		}
		return err
	}

	res := s.db.Delete(&models.Session{}, "id = ?", session.ID)
	if res.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(res.RowsAffected))
	}
	return nil
}

// ListUserSessions returns the sessions belonging to a user, newest first.
func (s *SessionService) ListUserSessions(userID string) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteUserSession removes a session by id, scoped to its owner.
func (s *SessionService) DeleteUserSession(userID, sessionID string) error {
	res := s.db.Delete(&models.Session{}, "id = ? AND user_id = ?", sessionID, userID)
	if res.Error != nil {
		return fmt.Errorf("session service: delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	metrics.ActiveSessions.Sub(float64(res.RowsAffected))
	return nil
}

// CleanupExpired removes expired sessions and updates the session gauge.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// findByToken resolves the session owning a plaintext refresh token. The
// token prefix narrows the scan; the bcrypt comparison decides the match.
// Expired matches are deleted on discovery and reported as invalid.
func (s *SessionService) findByToken(refreshToken string) (*models.Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrSessionInvalidToken
	}

	var candidates []models.Session
	if err := s.db.
		Where("token_prefix = ?", crypto.TokenPrefix(refreshToken)).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("session service: scan sessions: %w", err)
	}

	now := s.now()
	for i := range candidates {
		candidate := &candidates[i]
		if !crypto.VerifyToken(candidate.TokenHash, refreshToken) {
			continue
		}
		if candidate.ExpiresAt.Before(now) {
			_ = s.db.Delete(&models.Session{}, "id = ?", candidate.ID).Error
			return nil, ErrSessionInvalidToken
		}
		return candidate, nil
	}

	return nil, ErrSessionInvalidToken
}

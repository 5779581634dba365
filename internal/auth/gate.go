package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/pkg/crypto"
	apperrors "github.com/aurahome/aura-server/pkg/errors"
)

// Header conventions shared by the REST API and the realtime handshake.
const (
	HeaderDeviceID = "x-device-id"
	bearerScheme   = "Bearer "
	apiKeyScheme   = "ApiKey "
)

// PrincipalKind distinguishes the two authenticated identities.
type PrincipalKind string

const (
	// PrincipalUser is a human caller holding a bearer access token.
	PrincipalUser PrincipalKind = "user"
	// PrincipalAgent is a device process holding the per-device secret key.
	PrincipalAgent PrincipalKind = "agent"
)

// Principal is the verified identity bound to a call.
type Principal struct {
	Kind     PrincipalKind
	UserID   string
	Email    string
	DeviceID string
}

// IsAgentFor reports whether the principal is the agent of the given device.
func (p *Principal) IsAgentFor(deviceID string) bool {
	return p != nil && p.Kind == PrincipalAgent && p.DeviceID == deviceID
}

// Credentials carries the raw credential material of an inbound call. The
// same shape is extracted from one-shot HTTP requests and from websocket
// handshakes so both entry points enforce identical trust rules.
type Credentials struct {
	Authorization  string
	DeviceID       string
	HandshakeToken string // bearer fallback carried in a handshake payload or query
}

// CredentialsFromRequest extracts credentials from HTTP request headers.
func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Authorization: r.Header.Get("Authorization"),
		DeviceID:      r.Header.Get(HeaderDeviceID),
	}
}

// Gate classifies every inbound call into user, agent, or unauthenticated.
type Gate struct {
	db  *gorm.DB
	jwt *JWTService
}

// NewGate constructs the authentication gate.
func NewGate(db *gorm.DB, jwt *JWTService) (*Gate, error) {
	if db == nil {
		return nil, errors.New("auth gate: db is required")
	}
	if jwt == nil {
		return nil, errors.New("auth gate: jwt service is required")
	}
	return &Gate{db: db, jwt: jwt}, nil
}

// Authenticate verifies the supplied credentials and binds a principal.
// Device-secret credentials take priority over bearer tokens; a call carrying
// neither is rejected. Failures never disclose whether the claimed identity
// exists.
func (g *Gate) Authenticate(creds Credentials) (*Principal, error) {
	authz := strings.TrimSpace(creds.Authorization)
	deviceID := strings.TrimSpace(creds.DeviceID)

	if strings.HasPrefix(authz, apiKeyScheme) && deviceID != "" {
		return g.authenticateAgent(strings.TrimSpace(authz[len(apiKeyScheme):]), deviceID)
	}

	bearer := ""
	switch {
	case strings.HasPrefix(authz, bearerScheme):
		bearer = strings.TrimSpace(authz[len(bearerScheme):])
	case creds.HandshakeToken != "":
		bearer = strings.TrimSpace(strings.TrimPrefix(creds.HandshakeToken, bearerScheme))
	}
	if bearer != "" {
		return g.authenticateUser(bearer)
	}

	return nil, apperrors.ErrUnauthorized
}

func (g *Gate) authenticateAgent(apiKey, deviceID string) (*Principal, error) {
	if apiKey == "" {
		return nil, apperrors.ErrDeviceInvalid
	}

	var device models.Device
	err := g.db.Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrDeviceInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("auth gate: load device: %w", err)
	}

	// Fail closed: disabled devices and devices without a configured secret
	// accept no authenticated operations.
	if device.Disabled || device.APIKeyHash == "" {
		return nil, apperrors.ErrDeviceInvalid
	}

	if !crypto.VerifyToken(device.APIKeyHash, apiKey) {
		return nil, apperrors.ErrInvalidCredentials
	}

	return &Principal{Kind: PrincipalAgent, DeviceID: device.ID}, nil
}

func (g *Gate) authenticateUser(token string) (*Principal, error) {
	claims, err := g.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, apperrors.ErrUnauthorized
	}

	return &Principal{
		Kind:   PrincipalUser,
		UserID: claims.UserID,
		Email:  claims.Email,
	}, nil
}

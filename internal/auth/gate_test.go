package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/database/testutil"
	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/pkg/crypto"
	apperrors "github.com/aurahome/aura-server/pkg/errors"
)

func setupGate(t *testing.T) (*gorm.DB, *Gate, *JWTService) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	jwt, err := NewJWTService(JWTConfig{Secret: "gate-secret", Issuer: "aura-test"})
	require.NoError(t, err)

	gate, err := NewGate(db, jwt)
	require.NoError(t, err)

	return db, gate, jwt
}

func createTestDevice(t *testing.T, db *gorm.DB, apiKey string) *models.Device {
	t.Helper()

	hash, err := crypto.HashToken(apiKey)
	require.NoError(t, err)

	device := &models.Device{Name: "Hallway Mirror", APIKeyHash: hash}
	require.NoError(t, db.Create(device).Error)
	return device
}

func TestGateAuthenticatesUserBearer(t *testing.T) {
	_, gate, jwt := setupGate(t)

	token, err := jwt.GenerateAccessToken(AccessTokenInput{UserID: "user-7", Email: "u@example.com"})
	require.NoError(t, err)

	principal, err := gate.Authenticate(Credentials{Authorization: "Bearer " + token})
	require.NoError(t, err)
	require.Equal(t, PrincipalUser, principal.Kind)
	require.Equal(t, "user-7", principal.UserID)
	require.Equal(t, "u@example.com", principal.Email)
	require.Empty(t, principal.DeviceID)
}

func TestGateAuthenticatesAgentKey(t *testing.T) {
	db, gate, _ := setupGate(t)
	device := createTestDevice(t, db, "device-key-123")

	principal, err := gate.Authenticate(Credentials{
		Authorization: "ApiKey device-key-123",
		DeviceID:      device.ID,
	})
	require.NoError(t, err)
	require.Equal(t, PrincipalAgent, principal.Kind)
	require.Equal(t, device.ID, principal.DeviceID)
	require.True(t, principal.IsAgentFor(device.ID))
	require.False(t, principal.IsAgentFor("other-device"))
}

func TestGateAgentSchemeTakesPriority(t *testing.T) {
	db, gate, _ := setupGate(t)
	device := createTestDevice(t, db, "priority-key")

	// Even with a handshake bearer present, the ApiKey scheme decides.
	principal, err := gate.Authenticate(Credentials{
		Authorization:  "ApiKey priority-key",
		DeviceID:       device.ID,
		HandshakeToken: "some-bearer",
	})
	require.NoError(t, err)
	require.Equal(t, PrincipalAgent, principal.Kind)
}

func TestGateRejectsWrongAgentKey(t *testing.T) {
	db, gate, _ := setupGate(t)
	device := createTestDevice(t, db, "right-key")

	_, err := gate.Authenticate(Credentials{
		Authorization: "ApiKey wrong-key",
		DeviceID:      device.ID,
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestGateRejectsUnknownAndDisabledDevices(t *testing.T) {
	db, gate, _ := setupGate(t)

	_, err := gate.Authenticate(Credentials{
		Authorization: "ApiKey whatever",
		DeviceID:      "00000000-0000-0000-0000-000000000000",
	})
	require.ErrorIs(t, err, apperrors.ErrDeviceInvalid)

	device := createTestDevice(t, db, "disabled-key")
	require.NoError(t, db.Model(device).Update("disabled", true).Error)

	_, err = gate.Authenticate(Credentials{
		Authorization: "ApiKey disabled-key",
		DeviceID:      device.ID,
	})
	require.ErrorIs(t, err, apperrors.ErrDeviceInvalid)
}

func TestGateRejectsKeylessDevice(t *testing.T) {
	db, gate, _ := setupGate(t)

	device := &models.Device{Name: "Unprovisioned"}
	require.NoError(t, db.Create(device).Error)

	_, err := gate.Authenticate(Credentials{
		Authorization: "ApiKey anything",
		DeviceID:      device.ID,
	})
	require.ErrorIs(t, err, apperrors.ErrDeviceInvalid)
}

func TestGateHandshakeTokenFallback(t *testing.T) {
	_, gate, jwt := setupGate(t)

	token, err := jwt.GenerateAccessToken(AccessTokenInput{UserID: "user-9"})
	require.NoError(t, err)

	principal, err := gate.Authenticate(Credentials{HandshakeToken: token})
	require.NoError(t, err)
	require.Equal(t, PrincipalUser, principal.Kind)
	require.Equal(t, "user-9", principal.UserID)
}

func TestGateRejectsMissingCredentials(t *testing.T) {
	_, gate, _ := setupGate(t)

	_, err := gate.Authenticate(Credentials{})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = gate.Authenticate(Credentials{Authorization: "Bearer not-a-jwt"})
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCredentialsFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/devices", nil)
	req.Header.Set("Authorization", "ApiKey abc")
	req.Header.Set("x-device-id", "device-1")

	creds := CredentialsFromRequest(req)
	require.Equal(t, "ApiKey abc", creds.Authorization)
	require.Equal(t, "device-1", creds.DeviceID)
	require.Empty(t, creds.HandshakeToken)
}

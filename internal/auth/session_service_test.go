package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/database/testutil"
	"github.com/aurahome/aura-server/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupSessionService(t *testing.T) (*gorm.DB, *SessionService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()

	jwt, err := NewJWTService(JWTConfig{
		Secret: "test-secret-0123456789abcdef",
		Issuer: "aura-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwt, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)

	return db, svc, clock
}

func createTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{
		Email:    uuid.NewString() + "@example.com",
		Password: "irrelevant-hash",
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCreateSessionStoresHashedToken(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db)

	pair, session, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{
		IPAddress: "10.0.0.1 ",
		UserAgent: "unit-test",
	})
	require.NoError(t, err)

	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotNil(t, session)
	require.Equal(t, user.ID, session.UserID)
	require.Equal(t, "10.0.0.1", session.IPAddress)
	require.Equal(t, "unit-test", session.UserAgent)

	var reloaded models.Session
	require.NoError(t, db.Take(&reloaded, "id = ?", session.ID).Error)

	// The clear token never touches the database.
	require.NotEqual(t, pair.RefreshToken, reloaded.TokenHash)
	require.NotEmpty(t, reloaded.TokenHash)
	require.Equal(t, pair.RefreshToken[:8], reloaded.TokenPrefix)
	require.True(t, reloaded.ExpiresAt.After(clock.Now()))
}

func TestRotateSessionIssuesReplacement(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db)

	pair, session, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	newPair, replacement, err := svc.RotateSession(pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, newPair.RefreshToken)
	require.NotEmpty(t, newPair.AccessToken)
	require.NotEqual(t, session.ID, replacement.ID)
	require.Equal(t, user.ID, replacement.UserID)

	// The consumed session is gone.
	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", session.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestRotateSessionSingleWinner(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db)

	pair, _, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	_, _, err = svc.RotateSession(pair.RefreshToken)
	require.NoError(t, err)

	// A second presentation of the same token finds no live session: the
	// guarded delete consumed it.
	_, _, err = svc.RotateSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionInvalidToken)
}

func TestRotateSessionConcurrentPresentations(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db)

	pair, _, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	// Two clients present the same refresh token at the same time. Exactly
	// one wins the guarded delete; the other sees a dead token.
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, errs[i] = svc.RotateSession(pair.RefreshToken)
		}(i)
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrSessionInvalidToken)
			losses++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	// Only the winner's replacement survives.
	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRotateSessionRejectsUnknownToken(t *testing.T) {
	_, svc, _ := setupSessionService(t)

	_, _, err := svc.RotateSession("completely-unknown-token-value-0000000000000000")
	require.ErrorIs(t, err, ErrSessionInvalidToken)
}

func TestRotateSessionExpiredTokenIsDeleted(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db)

	pair, session, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(DefaultRefreshTokenTTL + time.Hour)

	_, _, err = svc.RotateSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionInvalidToken)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", session.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestRotateSessionUserGone(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db)

	pair, session, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Delete(&models.User{}, "id = ?", user.ID).Error)

	_, _, err = svc.RotateSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionUserGone)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", session.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestRevokeSessionIsIdempotent(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db)

	pair, _, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(pair.RefreshToken))
	require.NoError(t, svc.RevokeSession(pair.RefreshToken))
	require.NoError(t, svc.RevokeSession("never-issued"))

	_, _, err = svc.RotateSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionInvalidToken)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestListAndDeleteUserSessions(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db)
	other := createTestUser(t, db)

	_, first, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{UserAgent: "a"})
	require.NoError(t, err)
	_, _, err = svc.CreateSession(user.ID, user.Email, SessionMetadata{UserAgent: "b"})
	require.NoError(t, err)
	_, foreign, err := svc.CreateSession(other.ID, other.Email, SessionMetadata{})
	require.NoError(t, err)

	sessions, err := svc.ListUserSessions(user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// A user cannot delete another user's session.
	err = svc.DeleteUserSession(user.ID, foreign.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, svc.DeleteUserSession(user.ID, first.ID))

	sessions, err = svc.ListUserSessions(user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestCleanupExpiredSessions(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db)

	_, expired, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(DefaultRefreshTokenTTL + time.Minute)

	_, live, err := svc.CreateSession(user.ID, user.Email, SessionMetadata{})
	require.NoError(t, err)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, int64(1))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expired.ID).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", live.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

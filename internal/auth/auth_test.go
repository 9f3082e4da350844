package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRevocationChecker struct {
	watermarks map[string]time.Time
	err        error
}

func (f *fakeRevocationChecker) RevokedAfter(_ context.Context, principalID string) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.watermarks[principalID], nil
}

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	mgr, err := NewJWTManagerGenerated("agentim-test")
	require.NoError(t, err)
	return mgr
}

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	mgr := newTestJWTManager(t)
	token, err := mgr.GenerateAccessToken("user-1", "user", "alice")
	require.NoError(t, err)

	claims, err := mgr.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.PrincipalID)
	assert.Equal(t, "user", claims.PrincipalType)
	assert.Equal(t, "alice", claims.Username)
}

func TestJWTManager_RejectsTamperedToken(t *testing.T) {
	mgr := newTestJWTManager(t)
	token, err := mgr.GenerateAccessToken("user-1", "user", "alice")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = mgr.ValidateAccessToken(tampered)
	require.Error(t, err)
}

func TestGate_Authenticate_Success(t *testing.T) {
	mgr := newTestJWTManager(t)
	token, err := mgr.GenerateAccessToken("user-1", "user", "alice")
	require.NoError(t, err)

	gate := NewGate(mgr, &fakeRevocationChecker{})
	claims, err := gate.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.PrincipalID)
}

func TestGate_Authenticate_RevokedToken(t *testing.T) {
	mgr := newTestJWTManager(t)
	token, err := mgr.GenerateAccessToken("user-1", "user", "alice")
	require.NoError(t, err)

	gate := NewGate(mgr, &fakeRevocationChecker{
		watermarks: map[string]time.Time{"user-1": time.Now().Add(time.Hour)},
	})
	_, err = gate.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestGate_Authenticate_InvalidToken(t *testing.T) {
	mgr := newTestJWTManager(t)
	gate := NewGate(mgr, &fakeRevocationChecker{})
	_, err := gate.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

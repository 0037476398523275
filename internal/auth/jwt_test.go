package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
)

func newManager(t *testing.T, ttl time.Duration) *JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("s3cret")
	require.NoError(t, err)
	return NewJWTManager(
		config.JWTConfig{Secret: "test-secret", AccessTokenTTL: ttl},
		config.OperatorConfig{Username: "admin", PasswordHash: hash},
	)
}

func TestAuthenticate(t *testing.T) {
	m := newManager(t, time.Hour)

	token, expiresAt, err := m.Authenticate("admin", "s3cret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Subject)

	_, _, err = m.Authenticate("admin", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, _, err = m.Authenticate("root", "s3cret")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestNoOperatorConfigured(t *testing.T) {
	m := NewJWTManager(config.JWTConfig{Secret: "x", AccessTokenTTL: time.Hour}, config.OperatorConfig{})
	_, _, err := m.Authenticate("", "")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestValidateTokenRejects(t *testing.T) {
	m := newManager(t, -time.Minute)
	expired, _, err := m.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(expired)
	assert.Error(t, err)

	other := NewJWTManager(config.JWTConfig{Secret: "other", AccessTokenTTL: time.Hour}, config.OperatorConfig{})
	token, _, err := other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = newManager(t, time.Hour).ValidateToken(token)
	assert.Error(t, err)

	_, err = m.ValidateToken("not.a.token")
	assert.Error(t, err)
}

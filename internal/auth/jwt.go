package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
)

const issuer = "lorawan-netctl"

// ErrInvalidCredentials is returned by Authenticate
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager issues and validates operator tokens
type JWTManager struct {
	config   config.JWTConfig
	operator config.OperatorConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.JWTConfig, operator config.OperatorConfig) *JWTManager {
	return &JWTManager{
		config:   cfg,
		operator: operator,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Authenticate checks operator credentials and returns a signed token
func (m *JWTManager) Authenticate(username, password string) (string, time.Time, error) {
	if m.operator.Username == "" || m.operator.PasswordHash == "" {
		return "", time.Time{}, fmt.Errorf("%w: no operator account configured", ErrInvalidCredentials)
	}
	if username != m.operator.Username || !crypto.VerifyPassword(password, m.operator.PasswordHash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken signs an access token for username
func (m *JWTManager) GenerateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

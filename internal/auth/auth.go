// Package auth provides bearer-token authentication for the kenkyu API.
//
// Tokens are HS256 JWTs signed with a shared secret; the subject is the
// username. Credentials are checked against Argon2id hashes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is written to and required on every token.
const Issuer = "kenkyu"

// MinSecretLen is the shortest signing secret accepted by NewJWTManager.
const MinSecretLen = 16

// Claims extends jwt.RegisteredClaims. Subject holds the username.
type Claims struct {
	jwt.RegisteredClaims
}

// Username returns the authenticated user.
func (c *Claims) Username() string {
	return c.Subject
}

// JWTManager issues and validates HS256 tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager signing with secret. Tokens expire
// after expiration.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d bytes", MinSecretLen)
	}
	if expiration <= 0 {
		return nil, fmt.Errorf("auth: token expiration must be positive")
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration, now: time.Now}, nil
}

// Expiration returns the lifetime of issued tokens.
func (m *JWTManager) Expiration() time.Duration {
	return m.expiration
}

// IssueToken creates a signed JWT for username.
func (m *JWTManager) IssueToken(username string) (string, time.Time, error) {
	if username == "" {
		return "", time.Time{}, errors.New("auth: username is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	return claims, nil
}

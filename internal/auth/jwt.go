// Package auth is C2, the credential service: two primitives, issue and
// verify, plus the password digest. It is stateless — every call is a pure
// function of its secret key and input.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gateway/internal/models"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
)

// Claims carries at least subject, role, and expiry, per spec.md's credential
// primitive description.
type Claims struct {
	jwt.RegisteredClaims
	Username string      `json:"usr"`
	Role     models.Role `json:"role"`
}

// CredentialService issues and verifies bearer tokens. Password hashing
// lives in BcryptPool. It holds no per-request state.
type CredentialService struct {
	secretKey []byte
	expiry    time.Duration
	issuer    string
}

func NewCredentialService(secretKey string, expiry time.Duration) *CredentialService {
	return &CredentialService{
		secretKey: []byte(secretKey),
		expiry:    expiry,
		issuer:    "gateway",
	}
}

// Issue mints a bearer token for (username, role).
func (s *CredentialService) Issue(username string, role models.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Username: username,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Verify parses and validates a token, mapping jwt-library errors onto the
// expired|malformed|invalid classes spec.md's credential primitive names.
func (s *CredentialService) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" || tokenString == "undefined" || tokenString == "null" {
		return nil, ErrMalformedToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformedToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ExpirySeconds returns the configured token lifetime in seconds, used by
// the login response's expires_in field.
func (s *CredentialService) ExpirySeconds() int {
	return int(s.expiry.Seconds())
}

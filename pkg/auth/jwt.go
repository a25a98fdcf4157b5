package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("bearer credential missing")
	ErrExpiredCredential = errors.New("bearer credential expired")
	ErrInvalidCredential = errors.New("bearer credential invalid")
)

type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Credential is the bearer token the marketplace issued to the user. The
// checkout service never mints these in production; it only forwards them.
type Credential struct {
	Token  string
	Claims *Claims
}

// ParseCredential decodes a bearer token. With a secret the signature is
// verified; without one only the expiry is enforced, because the marketplace
// remains the authority that validates the token on every call.
func ParseCredential(raw, secret string, now time.Time) (*Credential, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer"))
	if raw == "" {
		return nil, ErrMissingCredential
	}

	claims := &Claims{}
	if secret != "" {
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, ErrExpiredCredential
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return &Credential{Token: raw, Claims: claims}, nil
	}

	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	cred := &Credential{Token: raw, Claims: claims}
	if !cred.Valid(now) {
		return nil, ErrExpiredCredential
	}
	return cred, nil
}

// Valid reports whether the credential is present and unexpired at now.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	if c.Claims == nil || c.Claims.ExpiresAt == nil {
		return true
	}
	return now.Before(c.Claims.ExpiresAt.Time)
}

func (c *Credential) Subject() string {
	if c == nil || c.Claims == nil {
		return ""
	}
	return c.Claims.Subject
}

func (c *Credential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// NewAccessToken signs an HS256 token. Used by local tooling and tests.
func NewAccessToken(subject, email, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{"tripdesk-api"},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

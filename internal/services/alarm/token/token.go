// Package token mints and verifies the bearer credentials used by both the
// admin login endpoint and websocket connection setup.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified subject of an access token.
type Identity struct {
	UserID   string
	Username string
}

// Verifier validates bearer credentials into identities. The websocket
// lifecycle and the admin surface depend on this interface, not on the JWT
// implementation.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// ErrInvalidToken reports a credential that failed verification for any
// reason: bad signature, expiry, or missing claims.
var ErrInvalidToken = errors.New("invalid access token")

type accessClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

type minterEnv struct {
	Secret string        `env:"ALARMDECK_TOKEN_SECRET"`
	Expiry time.Duration `env:"ALARMDECK_TOKEN_EXPIRY" envDefault:"60m"`
}

// Minter issues and verifies HS256 access tokens.
type Minter struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewMinter builds a Minter from an explicit secret and expiry.
func NewMinter(secret string, expiry time.Duration, now func() time.Time) (*Minter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Minter{secret: []byte(secret), expiry: expiry, now: now}, nil
}

// NewMinterFromEnv reads ALARMDECK_TOKEN_SECRET and ALARMDECK_TOKEN_EXPIRY.
func NewMinterFromEnv() (*Minter, error) {
	var raw minterEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse token env: %w", err)
	}
	if strings.TrimSpace(raw.Secret) == "" {
		return nil, fmt.Errorf("ALARMDECK_TOKEN_SECRET is required")
	}
	return NewMinter(raw.Secret, raw.Expiry, nil)
}

// Mint issues a signed access token for the given identity.
func (m *Minter) Mint(userID string, username string) (string, error) {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if userID == "" || username == "" {
		return "", fmt.Errorf("user id and username are required")
	}

	issuedAt := m.now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(m.expiry)),
		},
		Username: username,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its identity.
func (m *Minter) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.Subject)
	username := strings.TrimSpace(claims.Username)
	if userID == "" || username == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID, Username: username}, nil
}

var _ Verifier = (*Minter)(nil)

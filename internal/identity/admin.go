package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ScopeAdmin is required to change trust engine configuration.
const ScopeAdmin = "trust:admin"

// ErrMissingScope is returned by Authorize when a valid token lacks ScopeAdmin.
var ErrMissingScope = errors.New("token lacks the " + ScopeAdmin + " scope")

// AdminClaims are the JWT claims of an admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// AdminTokenIssuer issues and verifies admin tokens signed with HS256 using a
// shared secret from configuration.
type AdminTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAdminTokenIssuer creates an AdminTokenIssuer.
//
//	secret: HMAC key; must be at least 32 bytes.
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: 8 hours).
func NewAdminTokenIssuer(secret, issuer string, ttl time.Duration) (*AdminTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("admin token secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &AdminTokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue creates a signed admin token for subject with the given scopes.
func (a *AdminTokenIssuer) Issue(subject string, scopes []string) (string, error) {
	now := a.now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims on success.
func (a *AdminTokenIssuer) Verify(tokenStr string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AdminClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	return claims, nil
}

// Authorize verifies tokenStr and checks that it carries ScopeAdmin.
// It satisfies the metrics engine's Authorizer interface.
func (a *AdminTokenIssuer) Authorize(tokenStr string) error {
	claims, err := a.Verify(tokenStr)
	if err != nil {
		return err
	}
	if !slices.Contains(claims.Scopes, ScopeAdmin) {
		return ErrMissingScope
	}
	return nil
}

// TTL returns the configured token lifetime.
func (a *AdminTokenIssuer) TTL() time.Duration { return a.ttl }

// Package token issues and verifies the short-lived signed access tokens
// handed to clients after a successful login or refresh.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of an access token.
const DefaultTTL = 2 * time.Hour

var (
	// ErrInvalidSignature is returned when the token was not signed with the current key
	// or uses an algorithm other than HS256.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpired is returned when the token's expiry is not in the future.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned for anything that cannot be decoded into valid claims.
	ErrMalformed = errors.New("malformed token")

	// ErrMissingName is returned by Issue when the identity has no subject name.
	ErrMissingName = errors.New("subject name is required")
	// ErrNoRoles is returned by Issue when no role is supplied.
	ErrNoRoles = errors.New("at least one role is required")
)

// Identity holds the identity facts embedded into a token.
type Identity struct {
	Name  string
	Email string
}

// Claims is the decoded payload of an access token. Role is the primary role
// (the first one the principal holds); Roles carries every role.
type Claims struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Role  string   `json:"role"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether role is among the roles carried by the token.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return c.Role == role
}

// Issuer signs and verifies access tokens with a single HMAC key.
type Issuer struct {
	key    SigningKey
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithIssuerName sets the "iss" claim and requires it on verification.
func WithIssuerName(name string) Option {
	return func(i *Issuer) { i.issuer = strings.TrimSpace(name) }
}

// NewIssuer builds an Issuer around key.
func NewIssuer(key SigningKey, opts ...Option) (*Issuer, error) {
	if key.Len() == 0 {
		return nil, ErrEmptySigningKey
	}
	i := &Issuer{key: key, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for id. roles[0] becomes the primary role claim.
func (i *Issuer) Issue(id Identity, roles []string) (string, time.Time, error) {
	if strings.TrimSpace(id.Name) == "" {
		return "", time.Time{}, ErrMissingName
	}
	if len(roles) == 0 || roles[0] == "" {
		return "", time.Time{}, ErrNoRoles
	}

	now := i.now()
	claims := Claims{
		Name:  id.Name,
		Email: id.Email,
		Role:  roles[0],
		Roles: append([]string(nil), roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    i.issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key.bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks the signature and expiry of tokenStr and returns its claims.
// Failures are reported as ErrInvalidSignature, ErrExpired or ErrMalformed.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key.bytes(), nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: missing role claim", ErrMalformed)
	}
	if len(claims.Roles) == 0 {
		claims.Roles = []string{claims.Role}
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

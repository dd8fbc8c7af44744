// Package refresh manages opaque refresh tokens: generation, lookup, expiry
// and rotation. Persistence is delegated to a Repository so the same rules
// apply whether tokens live in SQL, Redis or memory.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultTTL is the absolute lifetime of a refresh token.
const DefaultTTL = 7 * 24 * time.Hour

// tokenBytes is the amount of entropy in a token value.
const tokenBytes = 32

var (
	// ErrNotFound is returned when no token with the given value exists.
	ErrNotFound = errors.New("refresh token not found")
	// ErrDuplicate is returned by a Repository when a token value is already stored.
	ErrDuplicate = errors.New("refresh token already exists")
	// ErrRevoked is returned by Replace when the presented token was already
	// revoked, usually because a concurrent refresh won the race.
	ErrRevoked = errors.New("refresh token revoked")
)

// Token is a persisted refresh token row.
type Token struct {
	Value       string
	PrincipalID string
	ExpiresAt   time.Time
	Revoked     bool
	CreatedAt   time.Time
}

// Expired reports whether the token is no longer usable at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Repository is the persistence contract for refresh tokens. Implementations
// must make Insert and Replace atomic with respect to concurrent callers.
type Repository interface {
	// Insert stores a new token and fails with ErrDuplicate if the value exists.
	Insert(ctx context.Context, t *Token) error
	// Get returns the token with the given value or ErrNotFound.
	Get(ctx context.Context, value string) (*Token, error)
	// Replace revokes oldValue and inserts next in one atomic step. It fails
	// with ErrRevoked if oldValue was already revoked and ErrNotFound if it does
	// not exist; in both cases next is not stored.
	Replace(ctx context.Context, oldValue string, next *Token) error
	// Revoke flags a single token. Unknown values yield ErrNotFound.
	Revoke(ctx context.Context, value string) error
	// RevokeAll flags every token owned by principalID.
	RevokeAll(ctx context.Context, principalID string) error
}

// Policy decides what happens to a presented token when it is rotated.
type Policy string

const (
	// PolicyRevoke invalidates the presented token in the same step that
	// stores its successor.
	PolicyRevoke Policy = "revoke"
	// PolicyRetain leaves the presented token valid until its own expiry.
	PolicyRetain Policy = "retain"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRevoke, "":
		return PolicyRevoke, nil
	case PolicyRetain:
		return PolicyRetain, nil
	default:
		return "", fmt.Errorf("unknown rotation policy %q (supported: revoke, retain)", s)
	}
}

// Store creates, finds and rotates refresh tokens on top of a Repository.
type Store struct {
	repo   Repository
	ttl    time.Duration
	policy Policy
	now    func() time.Time
	rand   io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPolicy sets the rotation policy. The default is PolicyRevoke.
func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the entropy source. Only tests should use it.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.rand = r }
}

// NewStore wraps repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{repo: repo, ttl: DefaultTTL, policy: PolicyRevoke, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured rotation policy.
func (s *Store) Policy() Policy { return s.policy }

// Create generates and persists a new token for principalID.
func (s *Store) Create(ctx context.Context, principalID string) (*Token, error) {
	t, err := s.newToken(principalID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return t, nil
}

// FindByValue looks a token up by exact value.
func (s *Store) FindByValue(ctx context.Context, value string) (*Token, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, value)
}

// Rotate issues the successor of presented. Under PolicyRevoke the presented
// token is revoked atomically with the insert; under PolicyRetain it is left
// untouched and Rotate behaves like Create.
func (s *Store) Rotate(ctx context.Context, presented *Token) (*Token, error) {
	next, err := s.newToken(presented.PrincipalID)
	if err != nil {
		return nil, err
	}
	if s.policy == PolicyRetain {
		if err := s.repo.Insert(ctx, next); err != nil {
			return nil, fmt.Errorf("storing refresh token: %w", err)
		}
		return next, nil
	}
	if err := s.repo.Replace(ctx, presented.Value, next); err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	return next, nil
}

// Revoke invalidates a single token.
func (s *Store) Revoke(ctx context.Context, value string) error {
	return s.repo.Revoke(ctx, value)
}

// RevokeAll invalidates every token of principalID.
func (s *Store) RevokeAll(ctx context.Context, principalID string) error {
	return s.repo.RevokeAll(ctx, principalID)
}

func (s *Store) newToken(principalID string) (*Token, error) {
	if principalID == "" {
		return nil, errors.New("principal id is required")
	}
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}
	// backends keep unix seconds
	now := s.now().Truncate(time.Second)
	return &Token{
		Value:       hex.EncodeToString(b),
		PrincipalID: principalID,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}, nil
}

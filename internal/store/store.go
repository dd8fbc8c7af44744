// Package store provides the persistence backends for principals, roles and
// refresh tokens: memory, SQLite, PostgreSQL and a Redis refresh token
// repository.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/example/tokenauth/internal/auth"
	"github.com/example/tokenauth/internal/refresh"
)

var (
	// ErrPrincipalExists is returned when the e-mail address is already registered.
	ErrPrincipalExists = errors.New("principal with this email already exists")
	// ErrUnknownRole is returned when a principal is assigned a role that was never created.
	ErrUnknownRole = errors.New("unknown role")
	// ErrInvalidPrincipal is returned when required principal fields are empty.
	ErrInvalidPrincipal = errors.New("username, email and password are required")
)

// DB is a full backend: credentials, roles and refresh tokens.
type DB interface {
	auth.CredentialStore
	auth.RoleStore
	refresh.Repository

	// CreatePrincipal registers a principal with the given roles, in order.
	CreatePrincipal(ctx context.Context, username, email, password string, roles ...string) (*auth.Principal, error)
	// DeletePrincipal removes a principal and its role assignments. Refresh
	// tokens it owned stay behind and fail with auth.ErrPrincipalNotFound.
	DeletePrincipal(ctx context.Context, id string) error
	// EnsureRoles creates any of names that do not exist yet.
	EnsureRoles(ctx context.Context, names ...string) error
	Ping(ctx context.Context) error
	Close() error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validatePrincipal(username, email, password string) error {
	if strings.TrimSpace(username) == "" || normalizeEmail(email) == "" || password == "" {
		return ErrInvalidPrincipal
	}
	return nil
}

// uniqueRoles drops repeated roles, keeping the first occurrence so the
// primary role stays first.
func uniqueRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

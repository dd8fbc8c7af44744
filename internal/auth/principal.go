package auth

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a principal lookup matches nothing.
var ErrNotFound = errors.New("principal not found")

// Principal is an authenticatable identity as kept by the credential store.
type Principal struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
}

// CredentialStore looks principals up and checks their passwords.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
	VerifyPassword(ctx context.Context, p *Principal, password string) (bool, error)
}

// RoleStore returns the roles assigned to a principal, in assignment order.
// An empty result is valid and means the principal has no role.
type RoleStore interface {
	RolesOf(ctx context.Context, p *Principal) ([]string, error)
}

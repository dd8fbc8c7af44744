package auth

import (
	"fmt"

	"github.com/example/tokenauth/internal/token"
)

// Role names seeded into every store.
const (
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

// Authorize grants access when any role carried by claims is in required.
// Roles are flat: holding "manager" does not imply "employee".
func Authorize(claims *token.Claims, required ...string) error {
	if claims == nil || (claims.Role == "" && len(claims.Roles) == 0) {
		return fmt.Errorf("%w: no role claim", token.ErrMalformed)
	}
	for _, r := range required {
		if claims.HasRole(r) {
			return nil
		}
	}
	return ErrForbidden
}

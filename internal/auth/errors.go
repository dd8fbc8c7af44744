package auth

import "errors"

// Flow outcomes. Each one is terminal for the request that produced it.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrNoRoleAssigned      = errors.New("principal has no role assigned")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrExpiredRefreshToken = errors.New("refresh token has expired")
	ErrRefreshTokenReused  = errors.New("refresh token reuse detected")
	ErrPrincipalNotFound   = errors.New("principal for refresh token no longer exists")
	ErrForbidden           = errors.New("role not permitted")
)

// Reason returns a short label for err, used for metrics and span attributes.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrNoRoleAssigned):
		return "no_role"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrExpiredRefreshToken):
		return "expired_refresh_token"
	case errors.Is(err, ErrRefreshTokenReused):
		return "refresh_token_reused"
	case errors.Is(err, ErrPrincipalNotFound):
		return "principal_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}

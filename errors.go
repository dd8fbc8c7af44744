package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/tokenauth/internal/auth"
	"github.com/example/tokenauth/internal/logging"
	"github.com/example/tokenauth/internal/store"
	"github.com/example/tokenauth/internal/token"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorTable is checked in order; the first match wins.
var errorTable = []errorMapping{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"},
	{auth.ErrNoRoleAssigned, http.StatusForbidden, "NO_ROLE_ASSIGNED", "No role is assigned to this account"},
	{auth.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token"},
	{auth.ErrExpiredRefreshToken, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token has expired"},
	{auth.ErrRefreshTokenReused, http.StatusUnauthorized, "TOKEN_REUSE_DETECTED", "Token reuse detected - all tokens revoked"},
	{auth.ErrPrincipalNotFound, http.StatusUnauthorized, "PRINCIPAL_NOT_FOUND", "Account no longer exists"},
	{auth.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "Insufficient role"},
	{token.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE", "Access token signature is invalid"},
	{token.ErrExpired, http.StatusUnauthorized, "ACCESS_TOKEN_EXPIRED", "Access token has expired"},
	{token.ErrMalformed, http.StatusUnauthorized, "MALFORMED_TOKEN", "Access token is malformed"},
	{store.ErrPrincipalExists, http.StatusConflict, "USER_EXISTS", "User with this email already exists"},
	{store.ErrUnknownRole, http.StatusBadRequest, "UNKNOWN_ROLE", "Role does not exist"},
	{store.ErrInvalidPrincipal, http.StatusBadRequest, "INVALID_REQUEST", "Username, email and password are required"},
	{auth.ErrNotFound, http.StatusNotFound, "USER_NOT_FOUND", "User not found"},
}

// writeAuthError maps err onto the error table; anything unknown is logged
// and reported as INTERNAL_ERROR.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.message)
			return
		}
	}
	logging.LogError(r.Context(), a.Log, "request failed", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

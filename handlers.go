package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/tokenauth/internal/token"
)

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Role     string   `json:"role"`
	Roles    []string `json:"roles"`
}

type claimsView struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func viewOf(c *token.Claims) claimsView {
	v := claimsView{Name: c.Name, Email: c.Email, Role: c.Role, Roles: c.Roles}
	if c.ExpiresAt != nil {
		v.ExpiresAt = c.ExpiresAt.Time
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	checks := []pinger{a.DB}
	if a.Tokens != nil {
		checks = append(checks, a.Tokens)
	}
	for _, c := range checks {
		if err := c.Ping(r.Context()); err != nil {
			a.Log.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if !decode(w, r, &c) {
		return
	}
	if c.Email == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}
	pair, err := a.Auth.Authenticate(r.Context(), c.Email, c.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if !decode(w, r, &in) {
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}
	pair, err := a.Auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if !decode(w, r, &in) {
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}
	if err := a.Auth.Logout(r.Context(), in.RefreshToken); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleTokenValidate reports whether the bearer token is valid and, if so,
// what it claims.
func (a *App) HandleTokenValidate(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Access token required")
		return
	}
	claims, err := a.Auth.Validate(raw)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"claims": viewOf(claims),
	})
}

func (a *App) HandleAnonymous(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello, anonymous"})
}

// HandleWhoAmI greets the caller by the name carried in their access token.
// It sits behind RequireAuth or RequireRoles.
func (a *App) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Access token required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Hello, " + claims.Name,
		"claims":  viewOf(claims),
	})
}

func (a *App) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in createUserRequest
	if !decode(w, r, &in) {
		return
	}
	roles := in.Roles
	if role := strings.TrimSpace(in.Role); role != "" {
		roles = append([]string{role}, roles...)
	}
	if len(roles) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "At least one role is required")
		return
	}

	p, err := a.DB.CreatePrincipal(r.Context(), in.Username, in.Email, in.Password, roles...)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if roles, err = a.DB.RolesOf(r.Context(), p); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if by, ok := claimsFrom(r.Context()); ok {
		a.Log.InfoContext(r.Context(), "principal created", "principal_id", p.ID, "roles", roles, "by", by.Email)
	}

	writeSuccess(w, http.StatusCreated, map[string]any{
		"id":       p.ID,
		"username": p.Username,
		"email":    p.Email,
		"roles":    roles,
	})
}

func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.DB.DeletePrincipal(r.Context(), id); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}

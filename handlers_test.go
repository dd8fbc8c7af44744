package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tokenauth/internal/auth"
	cfg "github.com/example/tokenauth/internal/config"
	"github.com/example/tokenauth/internal/logging"
	"github.com/example/tokenauth/internal/token"
)

const testSecret = "handler-test-secret"

func testConfig() *cfg.Config {
	return &cfg.Config{
		Port:            "8080",
		DBAdapter:       "memory",
		JwtSecret:       testSecret,
		AccessTokenTTL:  2 * time.Hour,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		RotationPolicy:  "revoke",
		TokenStore:      "db",
	}
}

type testServer struct {
	app     *App
	handler http.Handler
	alice   *auth.Principal
	bob     *auth.Principal
}

func newTestServer(t *testing.T, tweak ...func(*App)) *testServer {
	t.Helper()
	log := logging.Setup("tokenauth", "test", "text", "error", io.Discard)
	app, err := NewApp(context.Background(), testConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	for _, fn := range tweak {
		fn(app)
	}

	ctx := context.Background()
	alice, err := app.DB.CreatePrincipal(ctx, "alice", "alice@example.com", "P@ss1", auth.RoleEmployee)
	require.NoError(t, err)
	bob, err := app.DB.CreatePrincipal(ctx, "bob", "bob@example.com", "B0b!", auth.RoleManager)
	require.NoError(t, err)

	return &testServer{app: app, handler: app.Router(), alice: alice, bob: bob}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.1:40000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	rec := s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e.Code
}

func TestLogin_AndRoleGatedEndpoints(t *testing.T) {
	s := newTestServer(t)
	pair := s.login(t, "alice@example.com", "P@ss1")
	assert.NotEmpty(t, pair.AccessToken)
	assert.Len(t, pair.RefreshToken, 64)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), pair.AccessTokenExpiresAt, time.Minute)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), pair.RefreshTokenExpiresAt, time.Minute)

	rec := s.do(t, "GET", "/api/v1/anonymous", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "GET", "/api/v1/authenticated", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hello, alice")

	rec = s.do(t, "GET", "/api/v1/employee", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "GET", "/api/v1/manager", pair.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	rec = s.do(t, "GET", "/api/v1/employee", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	manager := s.login(t, "bob@example.com", "B0b!")
	rec = s.do(t, "GET", "/api/v1/employee", manager.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "GET", "/api/v1/manager", manager.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "P@ss1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/auth/login", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_NoRoleAssigned(t *testing.T) {
	s := newTestServer(t)
	_, err := s.app.DB.CreatePrincipal(context.Background(), "carol", "carol@example.com", "c4rol")
	require.NoError(t, err)

	rec := s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "carol@example.com", "password": "c4rol"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NO_ROLE_ASSIGNED", errorCode(t, rec))
}

func TestRefresh_RotationAndReuse(t *testing.T) {
	s := newTestServer(t)
	first := s.login(t, "alice@example.com", "P@ss1")

	rec := s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	rec = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REUSE_DETECTED", errorCode(t, rec))

	// the reuse revoked the successor too
	rec = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": second.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REUSE_DETECTED", errorCode(t, rec))
}

func TestRefresh_Failures(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pair := s.login(t, "alice@example.com", "P@ss1")
	require.NoError(t, s.app.DB.DeletePrincipal(context.Background(), s.alice.ID))
	rec = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "PRINCIPAL_NOT_FOUND", errorCode(t, rec))
}

func TestLogout(t *testing.T) {
	s := newTestServer(t)
	pair := s.login(t, "alice@example.com", "P@ss1")

	rec := s.do(t, "POST", "/api/v1/auth/logout", "", map[string]string{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"revoked":true`)

	rec = s.do(t, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_REUSE_DETECTED", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/auth/logout", "", map[string]string{"refreshToken": "unknown"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec))
}

func TestValidate(t *testing.T) {
	s := newTestServer(t)
	pair := s.login(t, "alice@example.com", "P@ss1")

	rec := s.do(t, "GET", "/api/v1/auth/validate", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Valid  bool       `json:"valid"`
		Claims claimsView `json:"claims"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Valid)
	assert.Equal(t, "alice", body.Claims.Name)
	assert.Equal(t, "alice@example.com", body.Claims.Email)
	assert.Equal(t, "employee", body.Claims.Role)

	key, err := token.NewSigningKey([]byte("some-other-secret"))
	require.NoError(t, err)
	other, err := token.NewIssuer(key)
	require.NoError(t, err)
	forged, _, err := other.Issue(token.Identity{Name: "mallory", Email: "m@example.com"}, []string{"manager"})
	require.NoError(t, err)

	rec = s.do(t, "GET", "/api/v1/auth/validate", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	rec = s.do(t, "GET", "/api/v1/manager", forged, nil)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	rec = s.do(t, "GET", "/api/v1/auth/validate", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MALFORMED_TOKEN", errorCode(t, rec))

	rec = s.do(t, "GET", "/api/v1/auth/validate", "", nil)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestUsers_ManagerOnly(t *testing.T) {
	s := newTestServer(t)
	manager := s.login(t, "bob@example.com", "B0b!")
	employee := s.login(t, "alice@example.com", "P@ss1")

	newUser := map[string]any{"username": "dave", "email": "dave@example.com", "password": "d4ve", "role": "employee"}

	rec := s.do(t, "POST", "/api/v1/users", employee.AccessToken, newUser)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "POST", "/api/v1/users", manager.AccessToken, newUser)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data struct {
			ID    string   `json:"id"`
			Roles []string `json:"roles"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Data.ID)
	assert.Equal(t, []string{"employee"}, created.Data.Roles)

	s.login(t, "dave@example.com", "d4ve")

	rec = s.do(t, "POST", "/api/v1/users", manager.AccessToken, newUser)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "USER_EXISTS", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/users", manager.AccessToken,
		map[string]any{"username": "erin", "email": "erin@example.com", "password": "x", "role": "janitor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_ROLE", errorCode(t, rec))

	rec = s.do(t, "POST", "/api/v1/users", manager.AccessToken,
		map[string]any{"username": "erin", "email": "erin@example.com", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "DELETE", "/api/v1/users/"+created.Data.ID, manager.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "DELETE", "/api/v1/users/"+created.Data.ID, manager.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "USER_NOT_FOUND", errorCode(t, rec))
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)

	s.login(t, "alice@example.com", "P@ss1")
	rec = s.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tokenauth_tokens_issued_total{flow="login"} 1`)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestReady_TokenStoreDown(t *testing.T) {
	s := newTestServer(t, func(a *App) { a.Tokens = downPinger{} })
	rec := s.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(a *App) { a.RatePerMinute = 2 })

	for i := 0; i < 2; i++ {
		rec := s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "x@example.com", "password": "x"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, "POST", "/api/v1/auth/login", "", map[string]string{"email": "x@example.com", "password": "x"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, rec))

	// other endpoints are not throttled
	rec = s.do(t, "GET", "/api/v1/anonymous", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, func(a *App) { a.CORSOrigins = []string{"https://app.example"} })

	req := httptest.NewRequest("OPTIONS", "/api/v1/auth/login", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteAuthError_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.app.writeAuthError(rec, httptest.NewRequest("GET", "/", nil), errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}

func TestNewApp_Errors(t *testing.T) {
	log := logging.Setup("tokenauth", "test", "text", "error", io.Discard)
	tests := []struct {
		name  string
		tweak func(*cfg.Config)
	}{
		{"unknown adapter", func(c *cfg.Config) { c.DBAdapter = "mongo" }},
		{"unknown policy", func(c *cfg.Config) { c.RotationPolicy = "sometimes" }},
		{"empty secret", func(c *cfg.Config) { c.JwtSecret = "" }},
		{"unknown token store", func(c *cfg.Config) { c.TokenStore = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.tweak(c)
			_, err := NewApp(context.Background(), c, log)
			assert.Error(t, err)
		})
	}
}

func TestNewApp_SQLite(t *testing.T) {
	c := testConfig()
	c.DBAdapter = "sqlite"
	c.SQLiteFile = filepath.Join(t.TempDir(), "app.db")
	c.RotationPolicy = "retain"
	log := logging.Setup("tokenauth", "test", "text", "error", io.Discard)

	app, err := NewApp(context.Background(), c, log)
	require.NoError(t, err)
	defer app.Close()

	ctx := context.Background()
	_, err = app.DB.CreatePrincipal(ctx, "alice", "alice@example.com", "P@ss1", auth.RoleEmployee)
	require.NoError(t, err)
	pair, err := app.Auth.Authenticate(ctx, "alice@example.com", "P@ss1")
	require.NoError(t, err)

	// retain leaves the presented token usable
	_, err = app.Auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = app.Auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestUsers_RepeatedRole(t *testing.T) {
	s := newTestServer(t)
	manager := s.login(t, "bob@example.com", "B0b!")

	rec := s.do(t, "POST", "/api/v1/users", manager.AccessToken, map[string]any{
		"username": "frank", "email": "frank@example.com", "password": "fr4nk",
		"role": "employee", "roles": []string{"employee", "manager"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data struct {
			Roles []string `json:"roles"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, []string{"employee", "manager"}, created.Data.Roles)
}

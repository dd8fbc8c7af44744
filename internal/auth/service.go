// Package auth implements the login and refresh flows and the role based
// authorization decision on top of the token and refresh packages.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/tokenauth/internal/logging"
	"github.com/example/tokenauth/internal/refresh"
	"github.com/example/tokenauth/internal/token"
)

var tracer = otel.Tracer("tokenauth/auth")

const (
	flowLogin   = "login"
	flowRefresh = "refresh"
)

// dummyPasswordHash is verified against when the e-mail is unknown. It is a
// well-formed bcrypt hash (cost 10) that matches no password handed out here.
//
//nolint:gosec // G101: not a credential.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// AccessIssuer signs and verifies access tokens. *token.Issuer implements it.
type AccessIssuer interface {
	Issue(id token.Identity, roles []string) (string, time.Time, error)
	Verify(tokenStr string) (*token.Claims, error)
}

// Recorder receives flow outcomes. *metrics.Metrics implements it.
type Recorder interface {
	Issued(flow string)
	Failed(flow, reason string)
}

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// Service runs the authentication and refresh flows.
type Service struct {
	creds   CredentialStore
	roles   RoleStore
	issuer  AccessIssuer
	tokens  *refresh.Store
	now     func() time.Time
	log     *slog.Logger
	metrics Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for refresh expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRecorder reports flow outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// NewService wires the flows to their collaborators.
func NewService(creds CredentialStore, roles RoleStore, issuer AccessIssuer, tokens *refresh.Store, opts ...Option) *Service {
	s := &Service{
		creds:  creds,
		roles:  roles,
		issuer: issuer,
		tokens: tokens,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate exchanges an email and password for a token pair.
//
// The access token is signed before the refresh token is persisted, so a
// signing failure never leaves a stored refresh token behind.
func (s *Service) Authenticate(ctx context.Context, email, password string) (pair *TokenPair, err error) {
	ctx, span := tracer.Start(ctx, "auth.authenticate")
	defer func() { s.finish(ctx, span, flowLogin, err) }()

	p, err := s.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// pay the same hashing cost as a wrong password for a known email
			_, _ = s.creds.VerifyPassword(ctx, &Principal{PasswordHash: dummyPasswordHash}, password)
			return nil, ErrInvalidCredentials
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "find principal by email").Wrap(err)
	}
	span.SetAttributes(attribute.String("principal.id", p.ID))

	ok, err := s.creds.VerifyPassword(ctx, p, password)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "verify password").Wrap(err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	roles, err := s.rolesOf(ctx, p)
	if err != nil {
		return nil, err
	}

	access, accessExp, err := s.issuer.Issue(token.Identity{Name: p.Username, Email: p.Email}, roles)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_SIGN_FAILED").With("principal_id", p.ID).Wrap(err)
	}

	rt, err := s.tokens.Create(ctx, p.ID)
	if err != nil {
		return nil, oops.Code("AUTH_REFRESH_STORE_FAILED").With("principal_id", p.ID).Wrap(err)
	}

	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          rt.Value,
		RefreshTokenExpiresAt: rt.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new token pair.
//
// Presenting a token that was already revoked is treated as theft: every
// token of the owning principal is revoked and ErrRefreshTokenReused is
// returned. Expired tokens are rejected but left in place.
func (s *Service) Refresh(ctx context.Context, value string) (pair *TokenPair, err error) {
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer func() { s.finish(ctx, span, flowRefresh, err) }()

	rt, err := s.tokens.FindByValue(ctx, value)
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, oops.Code("AUTH_REFRESH_FAILED").With("operation", "find refresh token").Wrap(err)
	}
	span.SetAttributes(attribute.String("principal.id", rt.PrincipalID))

	if rt.Revoked {
		if err := s.tokens.RevokeAll(ctx, rt.PrincipalID); err != nil {
			return nil, oops.Code("AUTH_REFRESH_FAILED").
				With("operation", "revoke principal tokens").
				With("principal_id", rt.PrincipalID).
				Wrap(err)
		}
		s.log.WarnContext(ctx, "revoked refresh token presented, all tokens revoked",
			"principal_id", rt.PrincipalID)
		return nil, ErrRefreshTokenReused
	}
	if rt.Expired(s.now()) {
		return nil, ErrExpiredRefreshToken
	}

	p, err := s.creds.FindByID(ctx, rt.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, oops.Code("AUTH_REFRESH_FAILED").With("operation", "find principal by id").Wrap(err)
	}

	roles, err := s.rolesOf(ctx, p)
	if err != nil {
		return nil, err
	}

	access, accessExp, err := s.issuer.Issue(token.Identity{Name: p.Username, Email: p.Email}, roles)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_SIGN_FAILED").With("principal_id", p.ID).Wrap(err)
	}

	next, err := s.tokens.Rotate(ctx, rt)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrRevoked):
			// a concurrent refresh of the same token won
			return nil, ErrRefreshTokenReused
		case errors.Is(err, refresh.ErrNotFound):
			return nil, ErrInvalidRefreshToken
		}
		return nil, oops.Code("AUTH_REFRESH_STORE_FAILED").With("principal_id", p.ID).Wrap(err)
	}

	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          next.Value,
		RefreshTokenExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes a single refresh token.
func (s *Service) Logout(ctx context.Context, value string) error {
	if value == "" {
		return ErrInvalidRefreshToken
	}
	if err := s.tokens.Revoke(ctx, value); err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return oops.Code("AUTH_LOGOUT_FAILED").Wrap(err)
	}
	return nil
}

// Validate verifies an access token and returns its claims.
func (s *Service) Validate(accessToken string) (*token.Claims, error) {
	return s.issuer.Verify(accessToken)
}

// AuthorizeToken verifies accessToken and checks it against required roles.
// Verification failures are returned unchanged.
func (s *Service) AuthorizeToken(accessToken string, required ...string) (*token.Claims, error) {
	claims, err := s.issuer.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if err := Authorize(claims, required...); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) rolesOf(ctx context.Context, p *Principal) ([]string, error) {
	roles, err := s.roles.RolesOf(ctx, p)
	if err != nil {
		return nil, oops.Code("AUTH_ROLE_LOOKUP_FAILED").With("principal_id", p.ID).Wrap(err)
	}
	if len(roles) == 0 {
		return nil, ErrNoRoleAssigned
	}
	return roles, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, flow string, err error) {
	defer span.End()
	if err == nil {
		if s.metrics != nil {
			s.metrics.Issued(flow)
		}
		return
	}
	reason := Reason(err)
	span.SetAttributes(attribute.String("auth.failure", reason))
	if s.metrics != nil {
		s.metrics.Failed(flow, reason)
	}
	if reason == "internal" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.LogError(ctx, s.log, "auth flow failed", err, "flow", flow)
		return
	}
	s.log.InfoContext(ctx, "auth flow rejected", "flow", flow, "reason", reason)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/tokenauth/internal/auth"
	"github.com/example/tokenauth/internal/refresh"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLDB implements DB on SQLite or PostgreSQL. Queries are written with "?"
// placeholders and rebound for postgres.
type SQLDB struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func (s *SQLDB) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind turns "?" placeholders into "$1", "$2", ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rollback is deferred after BeginTx; it is a no-op once the tx committed.
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func (s *SQLDB) CreatePrincipal(ctx context.Context, username, email, password string, roles ...string) (*auth.Principal, error) {
	if err := validatePrincipal(username, email, password); err != nil {
		return nil, err
	}
	roles = uniqueRoles(roles)
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	p := &auth.Principal{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        normalizeEmail(email),
		PasswordHash: hash,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	for _, r := range roles {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM roles WHERE name = ?`), r).Scan(&n); err != nil {
			return nil, fmt.Errorf("looking up role %q: %w", r, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, r)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO users(id,username,email,password_hash,created_at) VALUES(?,?,?,?,?)`),
		p.ID, p.Username, p.Email, p.PasswordHash, s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPrincipalExists
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	for i, r := range roles {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO user_roles(user_id,role_name,position) VALUES(?,?,?)`), p.ID, r, i); err != nil {
			return nil, fmt.Errorf("assigning role %q: %w", r, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *SQLDB) DeletePrincipal(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM user_roles WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("deleting role assignments: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLDB) EnsureRoles(ctx context.Context, names ...string) error {
	for _, n := range names {
		if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO roles(name) VALUES(?) ON CONFLICT (name) DO NOTHING`), n); err != nil {
			return fmt.Errorf("ensuring role %q: %w", n, err)
		}
	}
	return nil
}

func (s *SQLDB) findPrincipal(ctx context.Context, where string, arg string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id,username,email,password_hash FROM users WHERE `+where+` = ?`), arg)
	var p auth.Principal
	if err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("selecting user: %w", err)
	}
	return &p, nil
}

func (s *SQLDB) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	return s.findPrincipal(ctx, "email", normalizeEmail(email))
}

func (s *SQLDB) FindByID(ctx context.Context, id string) (*auth.Principal, error) {
	return s.findPrincipal(ctx, "id", id)
}

func (s *SQLDB) VerifyPassword(_ context.Context, p *auth.Principal, password string) (bool, error) {
	return ComparePassword(p.PasswordHash, password)
}

func (s *SQLDB) RolesOf(ctx context.Context, p *auth.Principal) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT role_name FROM user_roles WHERE user_id = ? ORDER BY position`), p.ID)
	if err != nil {
		return nil, fmt.Errorf("selecting roles: %w", err)
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLDB) insertToken(ctx context.Context, e execer, t *refresh.Token) error {
	_, err := e.ExecContext(ctx, s.q(`INSERT INTO refresh_tokens(token,user_id,expires_at,revoked,created_at) VALUES(?,?,?,FALSE,?)`),
		t.Value, t.PrincipalID, t.ExpiresAt.Unix(), t.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return refresh.ErrDuplicate
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

func (s *SQLDB) Insert(ctx context.Context, t *refresh.Token) error {
	return s.insertToken(ctx, s.db, t)
}

func (s *SQLDB) Get(ctx context.Context, value string) (*refresh.Token, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT token,user_id,expires_at,revoked,created_at FROM refresh_tokens WHERE token = ?`), value)
	var (
		t                  refresh.Token
		expires, createdAt int64
	)
	if err := row.Scan(&t.Value, &t.PrincipalID, &expires, &t.Revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refresh.ErrNotFound
		}
		return nil, fmt.Errorf("selecting refresh token: %w", err)
	}
	t.ExpiresAt = time.Unix(expires, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (s *SQLDB) Replace(ctx context.Context, oldValue string, next *refresh.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, s.q(`UPDATE refresh_tokens SET revoked = TRUE WHERE token = ? AND revoked = FALSE`), oldValue)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	if n == 0 {
		var revoked bool
		err := tx.QueryRowContext(ctx, s.q(`SELECT revoked FROM refresh_tokens WHERE token = ?`), oldValue).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return refresh.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("selecting refresh token: %w", err)
		}
		return refresh.ErrRevoked
	}

	if err := s.insertToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLDB) Revoke(ctx context.Context, value string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE refresh_tokens SET revoked = TRUE WHERE token = ?`), value)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return refresh.ErrNotFound
	}
	return nil
}

func (s *SQLDB) RevokeAll(ctx context.Context, principalID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = ?`), principalID); err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

func (s *SQLDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLDB) Close() error                   { return s.db.Close() }

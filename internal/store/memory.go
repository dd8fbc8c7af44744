package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/tokenauth/internal/auth"
	"github.com/example/tokenauth/internal/refresh"
)

// MemDB keeps everything in process memory.
type MemDB struct {
	*refresh.MemoryRepository

	mu        sync.RWMutex
	byEmail   map[string]*auth.Principal
	byID      map[string]*auth.Principal
	roles     map[string]struct{}
	userRoles map[string][]string
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		MemoryRepository: refresh.NewMemoryRepository(),
		byEmail:          map[string]*auth.Principal{},
		byID:             map[string]*auth.Principal{},
		roles:            map[string]struct{}{},
		userRoles:        map[string][]string{},
	}
}

func (m *MemDB) CreatePrincipal(_ context.Context, username, email, password string, roles ...string) (*auth.Principal, error) {
	if err := validatePrincipal(username, email, password); err != nil {
		return nil, err
	}
	roles = uniqueRoles(roles)
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	email = normalizeEmail(email)
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrPrincipalExists
	}
	for _, r := range roles {
		if _, ok := m.roles[r]; !ok {
			return nil, ErrUnknownRole
		}
	}
	p := &auth.Principal{ID: uuid.NewString(), Username: strings.TrimSpace(username), Email: email, PasswordHash: hash}
	m.byEmail[email] = p
	m.byID[p.ID] = p
	m.userRoles[p.ID] = append([]string(nil), roles...)
	cp := *p
	return &cp, nil
}

func (m *MemDB) EnsureRoles(_ context.Context, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.roles[n] = struct{}{}
	}
	return nil
}

func (m *MemDB) DeletePrincipal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byEmail, p.Email)
	delete(m.userRoles, id)
	return nil
}

func (m *MemDB) FindByEmail(_ context.Context, email string) (*auth.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemDB) FindByID(_ context.Context, id string) (*auth.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemDB) VerifyPassword(_ context.Context, p *auth.Principal, password string) (bool, error) {
	return ComparePassword(p.PasswordHash, password)
}

func (m *MemDB) RolesOf(_ context.Context, p *auth.Principal) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.userRoles[p.ID]...), nil
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

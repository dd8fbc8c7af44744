package refresh

import (
	"context"
	"sync"
)

// MemoryRepository keeps tokens in a map. It is meant for tests and single
// process deployments; nothing survives a restart.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: map[string]*Token{}}
}

func (m *MemoryRepository) Insert(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.Value]; ok {
		return ErrDuplicate
	}
	cp := *t
	m.tokens[t.Value] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, value string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryRepository) Replace(_ context.Context, oldValue string, next *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldValue]
	if !ok {
		return ErrNotFound
	}
	if old.Revoked {
		return ErrRevoked
	}
	if _, ok := m.tokens[next.Value]; ok {
		return ErrDuplicate
	}
	old.Revoked = true
	cp := *next
	m.tokens[next.Value] = &cp
	return nil
}

func (m *MemoryRepository) Revoke(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (m *MemoryRepository) RevokeAll(_ context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.PrincipalID == principalID {
			t.Revoked = true
		}
	}
	return nil
}

// Len returns the number of stored tokens, revoked ones included.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

package refresh

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestCreate_ValueAndExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	repo := NewMemoryRepository()
	s := NewStore(repo, WithClock(fixedClock(now)))

	tok, err := s.Create(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, tok.Value, 64)
	assert.Equal(t, "user-1", tok.PrincipalID)
	assert.Equal(t, now.Add(7*24*time.Hour), tok.ExpiresAt)
	assert.False(t, tok.Revoked)

	found, err := s.FindByValue(context.Background(), tok.Value)
	require.NoError(t, err)
	assert.Equal(t, tok, found)
}

func TestCreate_WholeSecondTimes(t *testing.T) {
	now := time.Unix(1_700_000_000, 900_000_000)
	s := NewStore(NewMemoryRepository(), WithClock(fixedClock(now)))

	tok, err := s.Create(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(DefaultTTL), tok.ExpiresAt)
	assert.Equal(t, time.Unix(1_700_000_000, 0), tok.CreatedAt)
}

func TestCreate_DistinctValues(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tok, err := s.Create(context.Background(), "user-1")
		require.NoError(t, err)
		require.False(t, seen[tok.Value], "duplicate value %s", tok.Value)
		seen[tok.Value] = true
	}
}

func TestCreate_DuplicateRejected(t *testing.T) {
	// a constant entropy source produces the same value twice
	zeros := bytes.NewReader(make([]byte, 2*tokenBytes))
	s := NewStore(NewMemoryRepository(), WithRandom(zeros))

	first, err := s.Create(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", 64), first.Value)

	_, err = s.Create(context.Background(), "user-2")
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCreate_EntropyFailure(t *testing.T) {
	s := NewStore(NewMemoryRepository(), WithRandom(bytes.NewReader(nil)))
	_, err := s.Create(context.Background(), "user-1")
	require.Error(t, err)
}

func TestCreate_RequiresPrincipal(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	_, err := s.Create(context.Background(), "")
	require.Error(t, err)
}

func TestFindByValue_Unknown(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	_, err := s.FindByValue(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByValue(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestToken_Expired(t *testing.T) {
	exp := time.Unix(1_700_000_000, 0)
	tok := &Token{ExpiresAt: exp}
	assert.False(t, tok.Expired(exp.Add(-time.Second)))
	assert.True(t, tok.Expired(exp))
	assert.True(t, tok.Expired(exp.Add(time.Second)))
}

func TestRotate_RevokePolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()
	s := NewStore(NewMemoryRepository(), WithClock(fixedClock(now)))

	old, err := s.Create(ctx, "user-1")
	require.NoError(t, err)

	next, err := s.Rotate(ctx, old)
	require.NoError(t, err)
	assert.NotEqual(t, old.Value, next.Value)
	assert.Equal(t, "user-1", next.PrincipalID)

	stored, err := s.FindByValue(ctx, old.Value)
	require.NoError(t, err)
	assert.True(t, stored.Revoked)

	_, err = s.Rotate(ctx, old)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestRotate_RetainPolicy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	s := NewStore(repo, WithPolicy(PolicyRetain))

	old, err := s.Create(ctx, "user-1")
	require.NoError(t, err)
	next, err := s.Rotate(ctx, old)
	require.NoError(t, err)
	assert.NotEqual(t, old.Value, next.Value)

	stored, err := s.FindByValue(ctx, old.Value)
	require.NoError(t, err)
	assert.False(t, stored.Revoked)
	assert.Equal(t, 2, repo.Len())
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryRepository())

	a, err := s.Create(ctx, "user-1")
	require.NoError(t, err)
	b, err := s.Create(ctx, "user-1")
	require.NoError(t, err)
	other, err := s.Create(ctx, "user-2")
	require.NoError(t, err)

	require.NoError(t, s.RevokeAll(ctx, "user-1"))
	for _, v := range []string{a.Value, b.Value} {
		got, err := s.FindByValue(ctx, v)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	}
	got, err := s.FindByValue(ctx, other.Value)
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	require.ErrorIs(t, s.Revoke(ctx, "missing"), ErrNotFound)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRevoke, p)

	p, err = ParsePolicy("retain")
	require.NoError(t, err)
	assert.Equal(t, PolicyRetain, p)

	_, err = ParsePolicy("delete")
	require.Error(t, err)
}

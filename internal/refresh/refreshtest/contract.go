// Package refreshtest holds a behavioural test suite shared by every
// refresh.Repository implementation.
package refreshtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tokenauth/internal/refresh"
)

// Factory returns an empty repository. Principals "user-1" and "user-2" must
// be acceptable owners (SQL backends need the rows to exist).
type Factory func(t *testing.T) refresh.Repository

func sample(value, principal string) *refresh.Token {
	now := time.Unix(1_700_000_000, 0)
	return &refresh.Token{
		Value:       value,
		PrincipalID: principal,
		ExpiresAt:   now.Add(refresh.DefaultTTL),
		CreatedAt:   now,
	}
}

// RunRepositoryContract exercises the Repository contract.
func RunRepositoryContract(t *testing.T, newRepo Factory) {
	t.Run("InsertGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		in := sample("tok-a", "user-1")
		require.NoError(t, repo.Insert(ctx, in))

		got, err := repo.Get(ctx, "tok-a")
		require.NoError(t, err)
		assert.Equal(t, "tok-a", got.Value)
		assert.Equal(t, "user-1", got.PrincipalID)
		assert.Equal(t, in.ExpiresAt.Unix(), got.ExpiresAt.Unix())
		assert.False(t, got.Revoked)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(context.Background(), "missing")
		require.ErrorIs(t, err, refresh.ErrNotFound)
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Insert(ctx, sample("tok-a", "user-1")))
		require.ErrorIs(t, repo.Insert(ctx, sample("tok-a", "user-2")), refresh.ErrDuplicate)
	})

	t.Run("Replace", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Insert(ctx, sample("tok-a", "user-1")))
		require.NoError(t, repo.Replace(ctx, "tok-a", sample("tok-b", "user-1")))

		old, err := repo.Get(ctx, "tok-a")
		require.NoError(t, err)
		assert.True(t, old.Revoked)
		next, err := repo.Get(ctx, "tok-b")
		require.NoError(t, err)
		assert.False(t, next.Revoked)

		err = repo.Replace(ctx, "tok-a", sample("tok-c", "user-1"))
		require.ErrorIs(t, err, refresh.ErrRevoked)
		_, err = repo.Get(ctx, "tok-c")
		require.ErrorIs(t, err, refresh.ErrNotFound)

		err = repo.Replace(ctx, "missing", sample("tok-d", "user-1"))
		require.ErrorIs(t, err, refresh.ErrNotFound)
	})

	t.Run("ReplaceConcurrent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Insert(ctx, sample("tok-a", "user-1")))

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Replace(ctx, "tok-a", sample(fmt.Sprintf("next-%d", i), "user-1"))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, refresh.ErrRevoked):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("RevokeAndRevokeAll", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Insert(ctx, sample("a1", "user-1")))
		require.NoError(t, repo.Insert(ctx, sample("a2", "user-1")))
		require.NoError(t, repo.Insert(ctx, sample("b1", "user-2")))

		require.NoError(t, repo.Revoke(ctx, "a1"))
		require.ErrorIs(t, repo.Revoke(ctx, "missing"), refresh.ErrNotFound)

		require.NoError(t, repo.RevokeAll(ctx, "user-1"))
		for value, revoked := range map[string]bool{"a1": true, "a2": true, "b1": false} {
			got, err := repo.Get(ctx, value)
			require.NoError(t, err)
			assert.Equal(t, revoked, got.Revoked, value)
		}
	})
}

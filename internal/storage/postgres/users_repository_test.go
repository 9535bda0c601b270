package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepository_EmailIsCaseInsensitiveAndUnique(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t)
	repo, err := NewRepository(pool)
	require.NoError(t, err)

	created := insertUser(t, ctx, repo, "Ana@Example.com", auth.RoleClient)
	assert.Equal(t, "ana@example.com", created.Email)

	got, err := repo.Users().GetByEmail(ctx, " ANA@example.COM ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.Users().Create(ctx, users.User{Email: "ana@example.com", PasswordHash: "x", FullName: "Other", Role: auth.RoleClient, IsActive: true})
	assert.ErrorIs(t, err, users.ErrEmailTaken)

	other := insertUser(t, ctx, repo, "bruno@example.com", auth.RoleEmployee)
	email := "ana@example.com"
	_, err = repo.Users().Update(ctx, other.ID, users.Patch{Email: &email})
	assert.ErrorIs(t, err, users.ErrEmailTaken)
}

func TestUserRepository_SoftDeleteFreesEmail(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t)
	repo, err := NewRepository(pool)
	require.NoError(t, err)

	created := insertUser(t, ctx, repo, "carla@example.com", auth.RoleClient)
	require.NoError(t, repo.Users().SoftDelete(ctx, created.ID))
	assert.ErrorIs(t, repo.Users().SoftDelete(ctx, created.ID), users.ErrNotFound)

	_, err = repo.Users().GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, users.ErrNotFound)

	insertUser(t, ctx, repo, "carla@example.com", auth.RoleClient)
}

func TestUserRepository_ListFilters(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t)
	repo, err := NewRepository(pool)
	require.NoError(t, err)

	insertUser(t, ctx, repo, "admin@example.com", auth.RoleAdmin)
	emp := insertUser(t, ctx, repo, "emp@example.com", auth.RoleEmployee)
	insertUser(t, ctx, repo, "client@example.com", auth.RoleClient)

	inactive := false
	_, err = repo.Users().Update(ctx, emp.ID, users.Patch{IsActive: &inactive})
	require.NoError(t, err)

	role := auth.RoleEmployee
	items, total, err := repo.Users().List(ctx, users.ListFilters{Role: &role, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, emp.ID, items[0].ID)
	assert.False(t, items[0].IsActive)

	active := true
	_, total, err = repo.Users().List(ctx, users.ListFilters{IsActive: &active, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestRefreshTokenRepository_Rotation(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t)
	repo, err := NewRepository(pool)
	require.NoError(t, err)

	user := insertUser(t, ctx, repo, "dario@example.com", auth.RoleClient)
	tokens := repo.RefreshTokens()
	expires := time.Now().Add(time.Hour)

	original := users.RefreshToken{ID: "tok-1", UserID: user.ID, TokenHash: "hash-1", ExpiresAt: expires}
	require.NoError(t, tokens.CreateRefreshToken(ctx, original))

	got, err := tokens.GetRefreshTokenByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for _, id := range []string{"tok-2a", "tok-2b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := tokens.RotateRefreshToken(ctx, "tok-1", users.RefreshToken{
				ID: id, UserID: user.ID, TokenHash: "hash-2-" + id, ExpiresAt: expires,
			})
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var ok, reused int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, users.ErrTokenReused):
			reused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, reused)

	got, err = tokens.GetRefreshTokenByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	require.NotNil(t, got.ReplacedBy)

	_, err = tokens.GetRefreshTokenByHash(ctx, "missing")
	assert.ErrorIs(t, err, users.ErrTokenNotFound)

	revoked, err := tokens.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, revoked)

	deleted, err := tokens.DeleteStaleRefreshTokens(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
}

package auth

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" employee ")
	assert.True(t, ok)
	assert.Equal(t, RoleEmployee, role)

	_, ok = ParseRole("superuser")
	assert.False(t, ok)
	assert.Equal(t, RoleClient, NormalizeRole("superuser"))
}

func TestHasRole(t *testing.T) {
	assert.True(t, HasRole(RoleEmployee, StaffRoles...))
	assert.False(t, HasRole(RoleClient, StaffRoles...))
	assert.False(t, HasRole(RoleAdmin))
	assert.True(t, IsAdmin(RoleAdmin))
}

func TestPasswordHasher(t *testing.T) {
	hasher := NewPasswordHasher(4)
	hash, err := hasher.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.True(t, hasher.Compare(hash, "correct horse"))
	assert.False(t, hasher.Compare(hash, "wrong horse"))
	assert.False(t, hasher.Compare("", "correct horse"))
	assert.False(t, hasher.Compare("not-a-hash", "correct horse"))

	_, err = hasher.Hash(strings.Repeat("x", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestNewPasswordHasher_InvalidCostFallsBack(t *testing.T) {
	assert.Equal(t, DefaultBcryptCost, NewPasswordHasher(99).cost)
}

func TestRefreshToken(t *testing.T) {
	token, hash, err := NewRefreshToken()
	require.NoError(t, err)
	assert.Len(t, token, 43)
	assert.Equal(t, hash, HashRefreshToken(token))
	assert.NotEqual(t, token, hash)

	other, _, err := NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestMemoryRevocationList(t *testing.T) {
	list := NewMemoryRevocationList(time.Hour)
	defer list.Close()
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	list.now = func() time.Time { return now }

	require.NoError(t, list.Revoke(ctx, "jti-1", now.Add(time.Minute)))
	revoked, err := list.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = list.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, err = list.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	list.sweep()
	list.mu.Lock()
	assert.Empty(t, list.entries)
	list.mu.Unlock()
}

func TestMemoryRevocationList_CloseIsIdempotent(t *testing.T) {
	list := NewMemoryRevocationList(time.Millisecond)
	list.Close()
	list.Close()
}

func TestRedisRevocationList(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	list, err := NewRedisRevocationList(ctx, url)
	require.NoError(t, err)
	defer func() { _ = list.Close() }()

	jti := "test-" + time.Now().Format("150405.000000000")
	require.NoError(t, list.Revoke(ctx, jti, time.Now().Add(time.Minute)))

	revoked, err := list.IsRevoked(ctx, jti)
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, list.Revoke(ctx, "expired-"+jti, time.Now().Add(-time.Minute)))
	revoked, err = list.IsRevoked(ctx, "expired-"+jti)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestNewRedisRevocationList_BadURL(t *testing.T) {
	_, err := NewRedisRevocationList(context.Background(), "not a url")
	require.Error(t, err)
}

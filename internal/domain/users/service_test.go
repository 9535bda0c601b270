package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Repository and TokenRepository.
type memStore struct {
	mu     sync.Mutex
	users  map[uuid.UUID]User
	tokens map[string]RefreshToken
	now    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{users: map[uuid.UUID]User{}, tokens: map[string]RefreshToken{}, now: time.Now}
}

func (m *memStore) Create(_ context.Context, user User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email && u.DeletedAt == nil {
			return nil, ErrEmailTaken
		}
	}
	m.users[user.ID] = user
	return &user, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.DeletedAt == nil {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) List(_ context.Context, filters ListFilters) ([]User, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.users {
		if u.DeletedAt == nil && (filters.Role == nil || u.Role == *filters.Role) {
			out = append(out, u)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) Update(_ context.Context, id uuid.UUID, patch Patch) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if patch.Email != nil {
		for otherID, other := range m.users {
			if otherID != id && other.Email == *patch.Email && other.DeletedAt == nil {
				return nil, ErrEmailTaken
			}
		}
		u.Email = *patch.Email
	}
	if patch.FullName != nil {
		u.FullName = *patch.FullName
	}
	if patch.Role != nil {
		u.Role = *patch.Role
	}
	if patch.IsActive != nil {
		u.IsActive = *patch.IsActive
	}
	if patch.PasswordHash != nil {
		u.PasswordHash = *patch.PasswordHash
	}
	m.users[id] = u
	return &u, nil
}

func (m *memStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	u.DeletedAt = &now
	m.users[id] = u
	return nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, token RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = token
	return nil
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return &t, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldID string, next RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok || old.RevokedAt != nil {
		return ErrTokenReused
	}
	now := m.now()
	old.RevokedAt = &now
	old.ReplacedBy = &next.ID
	m.tokens[oldID] = old
	m.tokens[next.ID] = next
	return nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[id]
	now := m.now()
	t.RevokedAt = &now
	m.tokens[id] = t
	return nil
}

func (m *memStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for id, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			m.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteStaleRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(before) || (t.RevokedAt != nil && t.RevokedAt.Before(before)) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) activeTokens(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	users []User
	err   error
}

func (r *recordingNotifier) NotifyRegistered(_ context.Context, user User) error {
	r.users = append(r.users, user)
	return r.err
}

type fixture struct {
	svc      *Service
	store    *memStore
	jwt      *auth.JWTManager
	revoked  *auth.MemoryRevocationList
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := newMemStore()
	jwt := auth.NewJWTManager("test-secret", 15*time.Minute, "cmpc-libros")
	revoked := auth.NewMemoryRevocationList(time.Hour)
	t.Cleanup(revoked.Close)
	notifier := &recordingNotifier{}
	svc := NewService(Deps{
		Users:       store,
		Tokens:      store,
		JWT:         jwt,
		Hasher:      auth.NewPasswordHasher(4),
		Revocations: revoked,
		Notifier:    notifier,
		Logger:      zerolog.Nop(),
	})
	return fixture{svc: svc, store: store, jwt: jwt, revoked: revoked, notifier: notifier}
}

func (f fixture) register(t *testing.T, email string, role auth.Role) *Session {
	t.Helper()
	var actor *auth.Claims
	if role != auth.RoleClient {
		actor = &auth.Claims{Role: auth.RoleAdmin}
	}
	session, err := f.svc.Register(context.Background(), RegisterInput{
		Email: email, Password: "password123", FullName: "Test User", Role: string(role),
	}, actor)
	require.NoError(t, err)
	return session
}

func (f fixture) claims(t *testing.T, session *Session) *auth.Claims {
	t.Helper()
	claims, err := f.jwt.Validate(session.AccessToken)
	require.NoError(t, err)
	return claims
}

func TestRegister_CreatesClientAndSession(t *testing.T) {
	f := newFixture(t)
	session, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "  Ana@Example.com ", Password: "password123", FullName: "<b>Ana</b> Pérez",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "ana@example.com", session.User.Email)
	assert.Equal(t, "Ana Pérez", session.User.FullName)
	assert.Equal(t, auth.RoleClient, session.User.Role)
	assert.True(t, session.User.IsActive)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, int64(900), session.ExpiresIn)
	assert.Equal(t, "Bearer", session.TokenType)

	claims := f.claims(t, session)
	assert.Equal(t, session.User.ID.String(), claims.Subject)
	assert.Equal(t, auth.RoleClient, claims.Role)

	require.Len(t, f.notifier.users, 1)
	assert.Equal(t, session.User.ID, f.notifier.users[0].ID)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com", auth.RoleClient)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "ANA@example.com", Password: "password123", FullName: "Other",
	}, nil)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegister_ElevatedRoleNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	input := RegisterInput{Email: "emp@example.com", Password: "password123", FullName: "Emp", Role: "employee"}

	_, err := f.svc.Register(context.Background(), input, nil)
	assert.ErrorIs(t, err, ErrElevatedRole)

	_, err = f.svc.Register(context.Background(), input, &auth.Claims{Role: auth.RoleEmployee})
	assert.ErrorIs(t, err, ErrElevatedRole)

	session, err := f.svc.Register(context.Background(), input, &auth.Claims{Role: auth.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleEmployee, session.User.Role)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterInput{Email: "bad", Password: "short", FullName: ""}, nil)

	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")
	assert.Contains(t, verr.Fields, "fullName")

	_, err = f.svc.Register(context.Background(), RegisterInput{
		Email: "x@example.com", Password: "password123", FullName: "X", Role: "OWNER",
	}, nil)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "role")
}

func TestRegister_MarkupOnlyNameRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email: "ana@example.com", Password: "password123", FullName: "<b></b>",
	}, nil)

	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "fullName")
}

func TestRegister_NotifierFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("queue down")
	f.register(t, "ana@example.com", auth.RoleClient)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	registered := f.register(t, "ana@example.com", auth.RoleClient)

	session, err := f.svc.Login(context.Background(), LoginInput{Email: "ANA@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, session.User.ID)

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	padded, err := f.svc.Login(context.Background(), LoginInput{Email: "  Ana@Example.com\t", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, padded.User.ID)
}

func TestLogin_InactiveUserRejected(t *testing.T) {
	f := newFixture(t)
	registered := f.register(t, "ana@example.com", auth.RoleClient)
	inactive := false
	_, err := f.store.Update(context.Background(), registered.User.ID, Patch{IsActive: &inactive})
	require.NoError(t, err)

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_RotatesToken(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)

	tokens, err := f.svc.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, tokens.RefreshToken)
	_, err = f.jwt.Validate(tokens.AccessToken)
	require.NoError(t, err)

	again, err := f.svc.Refresh(context.Background(), tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, again.RefreshToken)
}

func TestRefresh_ReuseRevokesEverything(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)

	rotated, err := f.svc.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Zero(t, f.store.activeTokens(session.User.ID))

	_, err = f.svc.Refresh(context.Background(), rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ExpiredAndUnknown(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)

	_, err := f.svc.Refresh(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.svc.Refresh(context.Background(), "")
	var verr *validation.Error
	assert.ErrorAs(t, err, &verr)

	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ConcurrentRotationOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), session.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidRefreshToken)
		}
	}
	assert.LessOrEqual(t, ok, 1)
}

func TestLogout_RevokesBothTokens(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)
	claims := f.claims(t, session)

	require.NoError(t, f.svc.Logout(context.Background(), claims, session.RefreshToken))

	_, err := f.svc.CheckSession(context.Background(), claims)
	assert.ErrorIs(t, err, auth.ErrRevokedToken)

	_, err = f.svc.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogout_IgnoresForeignRefreshToken(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	bob := f.register(t, "bob@example.com", auth.RoleClient)

	require.NoError(t, f.svc.Logout(context.Background(), f.claims(t, ana), bob.RefreshToken))

	_, err := f.svc.Refresh(context.Background(), bob.RefreshToken)
	require.NoError(t, err)
}

func TestCheckSession(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)
	claims := f.claims(t, session)

	user, err := f.svc.CheckSession(context.Background(), claims)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, user.ID)

	require.NoError(t, f.store.SoftDelete(context.Background(), session.User.ID))
	_, err = f.svc.CheckSession(context.Background(), claims)
	assert.ErrorIs(t, err, ErrInactiveUser)
}

func TestGet_SelfOrAdmin(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	bob := f.register(t, "bob@example.com", auth.RoleClient)
	admin := f.register(t, "admin@example.com", auth.RoleAdmin)

	_, err := f.svc.Get(context.Background(), f.claims(t, ana), ana.User.ID.String())
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), f.claims(t, ana), bob.User.ID.String())
	assert.ErrorIs(t, err, ErrForbiddenProfile)

	_, err = f.svc.Get(context.Background(), f.claims(t, admin), bob.User.ID.String())
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), f.claims(t, admin), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Get(context.Background(), f.claims(t, admin), "nope")
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestUpdate_RoleChangesAdminOnly(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	admin := f.register(t, "admin@example.com", auth.RoleAdmin)
	role := "ADMIN"

	_, err := f.svc.Update(context.Background(), f.claims(t, ana), ana.User.ID.String(), UpdateInput{Role: &role})
	assert.ErrorIs(t, err, ErrRoleChangeForbidden)

	updated, err := f.svc.Update(context.Background(), f.claims(t, admin), ana.User.ID.String(), UpdateInput{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, updated.Role)
}

func TestUpdate_SelfCanChangeNameAndPassword(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	name := "Ana María"
	password := "new-password-1"

	updated, err := f.svc.Update(context.Background(), f.claims(t, ana), ana.User.ID.String(),
		UpdateInput{FullName: &name, Password: &password})
	require.NoError(t, err)
	assert.Equal(t, "Ana María", updated.FullName)
	assert.Zero(t, f.store.activeTokens(ana.User.ID))

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: password})
	require.NoError(t, err)
}

func TestUpdateProfile_NormalizesBeforeValidating(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	email := " Ana.Perez@Example.com "
	name := "&lt;i&gt;Ana&lt;/i&gt; Pérez"

	updated, err := f.svc.UpdateProfile(context.Background(), f.claims(t, ana), ProfileInput{Email: &email, FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "ana.perez@example.com", updated.Email)
	assert.Equal(t, "Ana Pérez", updated.FullName)

	blank := "<b></b>"
	_, err = f.svc.UpdateProfile(context.Background(), f.claims(t, ana), ProfileInput{FullName: &blank})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "fullName")
}

func TestUpdate_EmailConflict(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	f.register(t, "bob@example.com", auth.RoleClient)
	email := "Bob@example.com"

	_, err := f.svc.UpdateProfile(context.Background(), f.claims(t, ana), ProfileInput{Email: &email})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	admin := f.register(t, "admin@example.com", auth.RoleAdmin)

	assert.ErrorIs(t, f.svc.Delete(context.Background(), f.claims(t, ana), admin.User.ID.String()), ErrAdminRequired)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), f.claims(t, admin), admin.User.ID.String()), ErrCannotDeleteSelf)

	require.NoError(t, f.svc.Delete(context.Background(), f.claims(t, admin), ana.User.ID.String()))
	assert.Zero(t, f.store.activeTokens(ana.User.ID))
	assert.ErrorIs(t, f.svc.Delete(context.Background(), f.claims(t, admin), ana.User.ID.String()), ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ana := f.register(t, "ana@example.com", auth.RoleClient)
	claims := f.claims(t, ana)

	err := f.svc.ChangePassword(context.Background(), claims, ChangePasswordInput{OldPassword: "wrong-one", NewPassword: "another-pass"})
	assert.ErrorIs(t, err, ErrInvalidPassword)

	require.NoError(t, f.svc.ChangePassword(context.Background(), claims, ChangePasswordInput{OldPassword: "password123", NewPassword: "another-pass"}))
	_, err = f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: "another-pass"})
	require.NoError(t, err)
}

func TestList_ClampsAndEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com", auth.RoleClient)
	f.register(t, "bob@example.com", auth.RoleClient)

	result, err := f.svc.List(context.Background(), ListFilters{Page: 0, Limit: 500})
	require.NoError(t, err)
	assert.Len(t, result.Data, 2)
	assert.Equal(t, PageInfo{Total: 2, Page: 1, Limit: MaxLimit, TotalPages: 1}, result.Pagination)
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t)

	created, isNew, err := f.svc.EnsureAdmin(context.Background(), "Root@Example.com", "bootstrap-pass", "")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, auth.RoleAdmin, created.Role)
	assert.Equal(t, "Administrator", created.FullName)

	again, isNew, err := f.svc.EnsureAdmin(context.Background(), "root@example.com", "ignored-pass", "")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, again.ID)

	client := f.register(t, "promote@example.com", auth.RoleClient)
	promoted, isNew, err := f.svc.EnsureAdmin(context.Background(), "promote@example.com", "", "")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, client.User.ID, promoted.ID)
	assert.Equal(t, auth.RoleAdmin, promoted.Role)

	_, _, err = f.svc.EnsureAdmin(context.Background(), "new@example.com", "short", "")
	var verr *validation.Error
	assert.ErrorAs(t, err, &verr)
}

func TestPurgeStaleTokens(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "ana@example.com", auth.RoleClient)
	_, err := f.svc.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := f.svc.PurgeStaleTokens(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNotFoundMessage(t *testing.T) {
	assert.True(t, strings.HasPrefix(NotFoundMessage("abc"), "User with ID abc"))
}

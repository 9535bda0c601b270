package users

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cmpc-libros/server/internal/audit"
	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/ids"
	"github.com/cmpc-libros/server/internal/sanitize"
	"github.com/cmpc-libros/server/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInactiveUser        = errors.New("user is inactive")
	ErrForbiddenProfile    = errors.New("you can only access your own profile")
	ErrRoleChangeForbidden = errors.New("only admins can change roles")
	ErrElevatedRole        = errors.New("only admins can assign elevated roles")
	ErrAdminRequired       = errors.New("admin role required")
	ErrCannotDeleteSelf    = errors.New("admins cannot delete their own account")
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Compared against when the email is unknown so both paths cost a bcrypt round.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z2xoTBJ6ZpV9ztJpbJ3xq1nS"

type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"fullName" validate:"required,notblank,max=255"`
	Role     string `json:"role,omitempty"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UpdateInput struct {
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	FullName *string `json:"fullName" validate:"omitempty,notblank,max=255"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"isActive"`
	Password *string `json:"password" validate:"omitempty,min=8,max=72"`
}

type ProfileInput struct {
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
	FullName *string `json:"fullName" validate:"omitempty,notblank,max=255"`
}

type ChangePasswordInput struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=72"`
}

// Tokens is what a client needs to keep calling the API.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type Session struct {
	User *User `json:"user"`
	Tokens
}

type Deps struct {
	Users         Repository
	Tokens        TokenRepository
	JWT           *auth.JWTManager
	Hasher        auth.PasswordHasher
	Revocations   auth.RevocationList
	RefreshExpiry time.Duration
	Notifier      WelcomeNotifier
	Audit         *audit.Logger
	Logger        zerolog.Logger
}

type Service struct {
	repo          Repository
	tokens        TokenRepository
	jwt           *auth.JWTManager
	hasher        auth.PasswordHasher
	revocations   auth.RevocationList
	refreshExpiry time.Duration
	notifier      WelcomeNotifier
	audit         *audit.Logger
	logger        zerolog.Logger
	validator     *validation.Validator
	now           func() time.Time
}

func NewService(deps Deps) *Service {
	if deps.RefreshExpiry <= 0 {
		deps.RefreshExpiry = 7 * 24 * time.Hour
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}
	return &Service{
		repo:          deps.Users,
		tokens:        deps.Tokens,
		jwt:           deps.JWT,
		hasher:        deps.Hasher,
		revocations:   deps.Revocations,
		refreshExpiry: deps.RefreshExpiry,
		notifier:      deps.Notifier,
		audit:         deps.Audit,
		logger:        deps.Logger.With().Str("component", "users").Logger(),
		validator:     validation.New(),
		now:           time.Now,
	}
}

// Register creates an account and signs it in. Only an admin actor may
// request a role other than CLIENT.
func (s *Service) Register(ctx context.Context, input RegisterInput, actor *auth.Claims) (*Session, error) {
	input.Email = normalizeEmail(input.Email)
	input.FullName = sanitize.Text(input.FullName)
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	role := auth.RoleClient
	if input.Role != "" {
		parsed, ok := auth.ParseRole(input.Role)
		if !ok {
			return nil, roleFieldError()
		}
		role = parsed
	}
	if role != auth.RoleClient && (actor == nil || !auth.IsAdmin(actor.Role)) {
		s.audit.Failure(ctx, "user-register", "user", "", ErrElevatedRole, map[string]any{"email": input.Email, "role": role})
		return nil, ErrElevatedRole
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user, err := s.repo.Create(ctx, User{
		ID:           ids.NewUUID(),
		Email:        input.Email,
		PasswordHash: hash,
		FullName:     input.FullName,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		s.audit.Failure(ctx, "user-register", "user", "", err, map[string]any{"email": input.Email})
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyRegistered(ctx, *user); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("welcome notification failed")
		}
	}
	s.audit.Success(ctx, "user-register", "user", user.ID.String(), map[string]any{"email": user.Email, "role": user.Role})
	return session, nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (*Session, error) {
	input.Email = normalizeEmail(input.Email)
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	email := input.Email

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		s.hasher.Compare(dummyHash, input.Password)
		s.audit.Failure(ctx, "user-login", "user", "", ErrInvalidCredentials, map[string]any{"email": email})
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Compare(user.PasswordHash, input.Password) || !user.IsActive {
		s.audit.Failure(ctx, "user-login", "user", user.ID.String(), ErrInvalidCredentials, map[string]any{"email": email})
		return nil, ErrInvalidCredentials
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.audit.Success(audit.WithActor(ctx, user.Email), "user-login", "user", user.ID.String(), nil)
	return session, nil
}

// Refresh exchanges a refresh token for a new pair. A token that was already
// rotated away signals theft, so every session of its owner is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, validation.FieldError("refreshToken", "is required")
	}
	stored, err := s.tokens.GetRefreshTokenByHash(ctx, auth.HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if stored.RevokedAt != nil {
		s.revokeAll(ctx, stored.UserID, "refresh token reuse")
		s.audit.Failure(ctx, "token-refresh", "user", stored.UserID.String(), ErrTokenReused, nil)
		return nil, ErrInvalidRefreshToken
	}
	if !s.now().Before(stored.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.repo.GetByID(ctx, stored.UserID)
	if err != nil || !user.IsActive {
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		s.revokeAll(ctx, stored.UserID, "user unavailable")
		return nil, ErrInvalidRefreshToken
	}

	next, plain, err := s.newRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.RotateRefreshToken(ctx, stored.ID, next); err != nil {
		if errors.Is(err, ErrTokenReused) {
			s.revokeAll(ctx, user.ID, "concurrent refresh token reuse")
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := s.jwt.Generate(user.ID.String(), user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	s.audit.Success(audit.WithActor(ctx, user.Email), "token-refresh", "user", user.ID.String(), nil)
	return &Tokens{
		AccessToken:  access,
		RefreshToken: plain,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.Expiry().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token (when it belongs to the caller)
// and blocks the current access token until it expires.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims, refreshToken string) error {
	if refreshToken != "" {
		stored, err := s.tokens.GetRefreshTokenByHash(ctx, auth.HashRefreshToken(refreshToken))
		switch {
		case err == nil && stored.UserID.String() == claims.Subject:
			if err := s.tokens.RevokeRefreshToken(ctx, stored.ID); err != nil {
				return fmt.Errorf("revoke refresh token: %w", err)
			}
		case err != nil && !errors.Is(err, ErrTokenNotFound):
			return fmt.Errorf("lookup refresh token: %w", err)
		}
	}
	if s.revocations != nil && claims.ExpiresAt != nil {
		if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	s.audit.Success(ctx, "user-logout", "user", claims.Subject, nil)
	return nil
}

// CheckSession confirms a validated access token still maps to an active
// user and has not been revoked. It returns the current user record.
func (s *Service) CheckSession(ctx context.Context, claims *auth.Claims) (*User, error) {
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, auth.ErrRevokedToken
		}
	}
	id, err := ids.ParseUUID(claims.Subject)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInactiveUser
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return user, nil
}

func (s *Service) Profile(ctx context.Context, claims *auth.Claims) (*User, error) {
	return s.Get(ctx, claims, claims.Subject)
}

func (s *Service) UpdateProfile(ctx context.Context, claims *auth.Claims, input ProfileInput) (*User, error) {
	return s.Update(ctx, claims, claims.Subject, UpdateInput{Email: input.Email, FullName: input.FullName})
}

func (s *Service) ChangePassword(ctx context.Context, claims *auth.Claims, input ChangePasswordInput) error {
	if err := s.validator.Struct(input); err != nil {
		return err
	}
	id, err := parseUserID(claims.Subject)
	if err != nil {
		return err
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !s.hasher.Compare(user.PasswordHash, input.OldPassword) {
		s.audit.Failure(ctx, "change-password", "user", user.ID.String(), ErrInvalidPassword, nil)
		return ErrInvalidPassword
	}
	hash, err := s.hasher.Hash(input.NewPassword)
	if err != nil {
		return err
	}
	if _, err := s.repo.Update(ctx, id, Patch{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.revokeAll(ctx, id, "password changed")
	s.audit.Success(ctx, "change-password", "user", user.ID.String(), nil)
	return nil
}

func (s *Service) List(ctx context.Context, filters ListFilters) (ListResult, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 {
		filters.Limit = DefaultLimit
	}
	if filters.Limit > MaxLimit {
		filters.Limit = MaxLimit
	}
	users, total, err := s.repo.List(ctx, filters)
	if err != nil {
		s.audit.Failure(ctx, "get-all-users", "user", "", err, nil)
		return ListResult{}, fmt.Errorf("list users: %w", err)
	}
	if users == nil {
		users = []User{}
	}
	s.audit.Success(ctx, "get-all-users", "user", "", map[string]any{"count": len(users)})
	return ListResult{Data: users, Pagination: pageInfo(total, filters.Page, filters.Limit)}, nil
}

// Get returns a user. Non-admins may only read themselves.
func (s *Service) Get(ctx context.Context, actor *auth.Claims, rawID string) (*User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return nil, err
	}
	if !auth.IsAdmin(actor.Role) && actor.Subject != id.String() {
		s.audit.Failure(ctx, "get-user", "user", id.String(), ErrForbiddenProfile, nil)
		return nil, ErrForbiddenProfile
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.audit.Failure(ctx, "get-user", "user", id.String(), err, nil)
		return nil, err
	}
	s.audit.Success(ctx, "get-user", "user", id.String(), nil)
	return user, nil
}

func (s *Service) Update(ctx context.Context, actor *auth.Claims, rawID string, input UpdateInput) (*User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return nil, err
	}
	admin := auth.IsAdmin(actor.Role)
	if !admin && actor.Subject != id.String() {
		s.audit.Failure(ctx, "update-user", "user", id.String(), ErrForbiddenProfile, nil)
		return nil, ErrForbiddenProfile
	}
	if input.Email != nil {
		email := normalizeEmail(*input.Email)
		input.Email = &email
	}
	input.FullName = sanitize.TextPtr(input.FullName)
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	if (input.Role != nil || input.IsActive != nil) && !admin {
		s.audit.Failure(ctx, "update-user", "user", id.String(), ErrRoleChangeForbidden, nil)
		return nil, ErrRoleChangeForbidden
	}

	patch := Patch{IsActive: input.IsActive}
	if input.Role != nil {
		role, ok := auth.ParseRole(*input.Role)
		if !ok {
			return nil, roleFieldError()
		}
		patch.Role = &role
	}
	patch.Email = input.Email
	patch.FullName = input.FullName
	if input.Password != nil {
		hash, err := s.hasher.Hash(*input.Password)
		if err != nil {
			return nil, err
		}
		patch.PasswordHash = &hash
	}

	if patch.Empty() {
		return s.repo.GetByID(ctx, id)
	}
	user, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		s.audit.Failure(ctx, "update-user", "user", id.String(), err, nil)
		return nil, err
	}
	if patch.PasswordHash != nil || (patch.IsActive != nil && !*patch.IsActive) {
		s.revokeAll(ctx, id, "credentials or status changed")
	}
	s.audit.Success(ctx, "update-user", "user", id.String(), map[string]any{
		"email": input.Email, "fullName": input.FullName, "role": input.Role,
		"isActive": input.IsActive, "password": input.Password,
	})
	return user, nil
}

func (s *Service) Delete(ctx context.Context, actor *auth.Claims, rawID string) error {
	id, err := parseUserID(rawID)
	if err != nil {
		return err
	}
	if !auth.IsAdmin(actor.Role) {
		return ErrAdminRequired
	}
	if actor.Subject == id.String() {
		return ErrCannotDeleteSelf
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		s.audit.Failure(ctx, "delete-user", "user", id.String(), err, nil)
		return err
	}
	s.revokeAll(ctx, id, "user deleted")
	s.audit.Success(ctx, "delete-user", "user", id.String(), nil)
	return nil
}

// EnsureAdmin creates an admin account or promotes and reactivates an
// existing one. The password of an existing account is left unchanged.
func (s *Service) EnsureAdmin(ctx context.Context, email, password, fullName string) (*User, bool, error) {
	email = normalizeEmail(email)
	existing, err := s.repo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("lookup admin: %w", err)
	}
	if existing != nil {
		if existing.Role == auth.RoleAdmin && existing.IsActive {
			return existing, false, nil
		}
		role, active := auth.RoleAdmin, true
		updated, err := s.repo.Update(ctx, existing.ID, Patch{Role: &role, IsActive: &active})
		if err != nil {
			return nil, false, fmt.Errorf("promote admin: %w", err)
		}
		return updated, false, nil
	}

	if len(password) < 8 {
		return nil, false, validation.FieldError("password", "must be at least 8 characters")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, false, err
	}
	fullName = sanitize.Text(fullName)
	if fullName == "" {
		fullName = "Administrator"
	}
	now := s.now().UTC()
	created, err := s.repo.Create(ctx, User{
		ID:           ids.NewUUID(),
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
		Role:         auth.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create admin: %w", err)
	}
	return created, true, nil
}

// PurgeStaleTokens deletes refresh tokens that expired or were revoked
// before now minus grace.
func (s *Service) PurgeStaleTokens(ctx context.Context, grace time.Duration) (int64, error) {
	return s.tokens.DeleteStaleRefreshTokens(ctx, s.now().Add(-grace))
}

// NotFoundMessage is the user-facing text for a missing user.
func NotFoundMessage(id string) string {
	return fmt.Sprintf("User with ID %s not found", id)
}

func (s *Service) issueSession(ctx context.Context, user *User) (*Session, error) {
	access, err := s.jwt.Generate(user.ID.String(), user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	stored, plain, err := s.newRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.CreateRefreshToken(ctx, stored); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &Session{
		User: user,
		Tokens: Tokens{
			AccessToken:  access,
			RefreshToken: plain,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.jwt.Expiry().Seconds()),
		},
	}, nil
}

func (s *Service) newRefreshToken(userID uuid.UUID) (RefreshToken, string, error) {
	plain, hash, err := auth.NewRefreshToken()
	if err != nil {
		return RefreshToken{}, "", err
	}
	id, err := ids.NewULID()
	if err != nil {
		return RefreshToken{}, "", err
	}
	now := s.now().UTC()
	return RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.refreshExpiry),
		CreatedAt: now,
	}, plain, nil
}

func (s *Service) revokeAll(ctx context.Context, userID uuid.UUID, reason string) {
	n, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID.String()).Str("reason", reason).Msg("revoke refresh tokens failed")
		return
	}
	s.logger.Info().Str("user_id", userID.String()).Str("reason", reason).Int64("revoked", n).Msg("refresh tokens revoked")
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := ids.ParseUUID(raw)
	if err != nil {
		return uuid.Nil, ErrInvalidUserID
	}
	return id, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func roleFieldError() error {
	return validation.FieldError("role", "must be one of: ADMIN, EMPLOYEE, CLIENT")
}

func pageInfo(total int64, page, limit int) PageInfo {
	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	return PageInfo{
		Total:           total,
		Page:            page,
		Limit:           limit,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}
}

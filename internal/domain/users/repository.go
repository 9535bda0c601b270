package users

import (
	"context"
	"errors"
	"time"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrEmailTaken      = errors.New("email is already taken")
	ErrTokenNotFound   = errors.New("refresh token not found")
	ErrTokenReused     = errors.New("refresh token already used")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrInvalidPassword = errors.New("invalid password")
)

type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"fullName"`
	Role         auth.Role  `json:"role"`
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"-"`
}

// Patch holds the columns an update changes; nil fields are left alone.
type Patch struct {
	Email        *string
	FullName     *string
	Role         *auth.Role
	IsActive     *bool
	PasswordHash *string
}

func (p Patch) Empty() bool {
	return p == Patch{}
}

type ListFilters struct {
	Role     *auth.Role
	IsActive *bool
	Page     int
	Limit    int
}

type PageInfo struct {
	Total           int64 `json:"total"`
	Page            int   `json:"page"`
	Limit           int   `json:"limit"`
	TotalPages      int   `json:"totalPages"`
	HasNextPage     bool  `json:"hasNextPage"`
	HasPreviousPage bool  `json:"hasPreviousPage"`
}

type ListResult struct {
	Data       []User   `json:"data"`
	Pagination PageInfo `json:"pagination"`
}

// RefreshToken is the stored half of an opaque refresh token.
type RefreshToken struct {
	ID         string
	UserID     uuid.UUID
	TokenHash  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	CreatedAt  time.Time
}

type Repository interface {
	Create(ctx context.Context, user User) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, filters ListFilters) ([]User, int64, error)
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*User, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type TokenRepository interface {
	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// RotateRefreshToken revokes oldID and stores next atomically. It returns
	// ErrTokenReused when oldID was already revoked.
	RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteStaleRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// WelcomeNotifier is told about newly registered users.
type WelcomeNotifier interface {
	NotifyRegistered(ctx context.Context, user User) error
}

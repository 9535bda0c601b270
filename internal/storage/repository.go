package storage

import (
	"context"

	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/domain/users"
)

// Repository groups data access by domain.
type Repository interface {
	Books() books.Repository
	Users() users.Repository
	RefreshTokens() users.TokenRepository

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Ping(ctx context.Context) error
}

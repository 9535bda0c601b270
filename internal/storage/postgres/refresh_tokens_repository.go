package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ users.TokenRepository = (*RefreshTokenRepository)(nil)

type RefreshTokenRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (r *RefreshTokenRepository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *RefreshTokenRepository) CreateRefreshToken(ctx context.Context, token users.RefreshToken) error {
	return insertRefreshToken(ctx, r.queryer(), token)
}

func insertRefreshToken(ctx context.Context, q queryer, token users.RefreshToken) error {
	_, err := q.Exec(ctx, `
INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at)
VALUES ($1, $2, $3, $4)`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) GetRefreshTokenByHash(ctx context.Context, hash string) (*users.RefreshToken, error) {
	var token users.RefreshToken
	err := r.queryer().QueryRow(ctx, `
SELECT id, user_id, token_hash, expires_at, revoked_at, replaced_by, created_at
  FROM refresh_tokens
 WHERE token_hash = $1`, hash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.ReplacedBy,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &token, nil
}

// RotateRefreshToken inserts next and revokes oldID in one transaction. The
// conditional UPDATE makes concurrent rotations of the same token race on a
// row lock; the loser sees zero rows and gets ErrTokenReused.
func (r *RefreshTokenRepository) RotateRefreshToken(ctx context.Context, oldID string, next users.RefreshToken) error {
	rotate := func(ctx context.Context, tx pgx.Tx) error {
		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
UPDATE refresh_tokens
   SET revoked_at = now(), replaced_by = $2
 WHERE id = $1 AND revoked_at IS NULL`, oldID, next.ID)
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return users.ErrTokenReused
		}
		return nil
	}

	if r.tx != nil {
		return rotate(ctx, r.tx)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return rotate(ctx, tx)
	})
}

func (r *RefreshTokenRepository) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := r.queryer().Exec(ctx, `
UPDATE refresh_tokens
   SET revoked_at = now()
 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.queryer().Exec(ctx, `
UPDATE refresh_tokens
   SET revoked_at = now()
 WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepository) DeleteStaleRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.queryer().Exec(ctx, `
DELETE FROM refresh_tokens
 WHERE expires_at < $1
    OR (revoked_at IS NOT NULL AND revoked_at < $1)`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ users.Repository = (*UserRepository)(nil)

const emailConstraint = "users_email_active_key"

type UserRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

const userColumns = `id, email, password_hash, full_name, role, is_active, created_at, updated_at, deleted_at`

func (r *UserRepository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *UserRepository) Create(ctx context.Context, user users.User) (*users.User, error) {
	row := r.queryer().QueryRow(ctx, `
INSERT INTO users (email, password_hash, full_name, role, is_active)
VALUES (lower($1), $2, $3, $4, $5)
RETURNING `+userColumns,
		user.Email, user.PasswordHash, user.FullName, string(user.Role), user.IsActive,
	)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err, emailConstraint) {
			return nil, users.ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*users.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*users.User, error) {
	return r.getOne(ctx, `email = lower($1)`, strings.TrimSpace(email))
}

func (r *UserRepository) getOne(ctx context.Context, predicate string, arg any) (*users.User, error) {
	row := r.queryer().QueryRow(ctx, `
SELECT `+userColumns+`
  FROM users
 WHERE `+predicate+` AND deleted_at IS NULL`, arg)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) List(ctx context.Context, filters users.ListFilters) ([]users.User, int64, error) {
	where := &whereBuilder{}
	where.add("deleted_at IS NULL")
	if filters.Role != nil {
		where.add("role = ?", string(*filters.Role))
	}
	if filters.IsActive != nil {
		where.add("is_active = ?", *filters.IsActive)
	}
	q := r.queryer()

	var total int64
	if err := q.QueryRow(ctx, `SELECT count(*) FROM users WHERE `+where.sql(), where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	if total == 0 {
		return []users.User{}, 0, nil
	}

	limit := where.next(filters.Limit)
	offset := where.next((filters.Page - 1) * filters.Limit)
	rows, err := q.Query(ctx, `
SELECT `+userColumns+`
  FROM users
 WHERE `+where.sql()+`
 ORDER BY created_at DESC, id DESC
 LIMIT `+limit+` OFFSET `+offset, where.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]users.User, 0, filters.Limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}
	return items, total, nil
}

func (r *UserRepository) Update(ctx context.Context, id uuid.UUID, patch users.Patch) (*users.User, error) {
	var (
		sets []string
		args []any
	)
	set := func(expr string, arg any) {
		args = append(args, arg)
		sets = append(sets, strings.Replace(expr, "?", fmt.Sprintf("$%d", len(args)), 1))
	}
	if patch.Email != nil {
		set("email = lower(?)", *patch.Email)
	}
	if patch.FullName != nil {
		set("full_name = ?", *patch.FullName)
	}
	if patch.Role != nil {
		set("role = ?", string(*patch.Role))
	}
	if patch.IsActive != nil {
		set("is_active = ?", *patch.IsActive)
	}
	if patch.PasswordHash != nil {
		set("password_hash = ?", *patch.PasswordHash)
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	row := r.queryer().QueryRow(ctx, fmt.Sprintf(`
UPDATE users
   SET %s
 WHERE id = $%d AND deleted_at IS NULL
RETURNING `+userColumns, strings.Join(sets, ", "), len(args)), args...)
	user, err := scanUser(row)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, users.ErrNotFound
		case isUniqueViolation(err, emailConstraint):
			return nil, users.ErrEmailTaken
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.queryer().Exec(ctx, `
UPDATE users
   SET deleted_at = now(), is_active = false, updated_at = now()
 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return users.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*users.User, error) {
	var (
		user users.User
		role string
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FullName,
		&role,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	); err != nil {
		return nil, err
	}
	user.Role = auth.Role(role)
	return &user, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ books.Repository = (*BookRepository)(nil)

type BookRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

const bookColumns = `id, title, author, publisher, (price * 100)::bigint, availability, genre, stock,
       description, isbn, created_at, updated_at, deleted_at`

// sortColumns maps API sort names onto SQL columns. Input never reaches
// ORDER BY except through this table.
var sortColumns = map[books.SortField]string{
	books.SortTitle:        "title",
	books.SortAuthor:       "author",
	books.SortPublisher:    "publisher",
	books.SortPrice:        "price",
	books.SortGenre:        "genre",
	books.SortStock:        "stock",
	books.SortAvailability: "availability",
	books.SortCreatedAt:    "created_at",
	books.SortUpdatedAt:    "updated_at",
}

func (r *BookRepository) queryer() queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *BookRepository) Create(ctx context.Context, book books.Book) (*books.Book, error) {
	row := r.queryer().QueryRow(ctx, `
INSERT INTO books (title, author, publisher, price, availability, genre, stock, description, isbn)
VALUES ($1, $2, $3, $4::numeric / 100, $5, $6, $7, $8, $9)
RETURNING `+bookColumns,
		book.Title, book.Author, book.Publisher, int64(book.Price), book.Availability,
		string(book.Genre), book.Stock, book.Description, book.ISBN,
	)
	created, err := scanBook(row)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	return created, nil
}

func (r *BookRepository) GetByID(ctx context.Context, id uuid.UUID) (*books.Book, error) {
	row := r.queryer().QueryRow(ctx, `
SELECT `+bookColumns+`
  FROM books
 WHERE id = $1 AND deleted_at IS NULL`, id)
	book, err := scanBook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, books.ErrNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

func (r *BookRepository) List(ctx context.Context, query books.Query) (_ []books.Book, _ int64, err error) {
	defer func(start time.Time) { metrics.RecordQuery("list_books", start, err) }(time.Now())
	where := bookFilters(query.Filters)
	q := r.queryer()

	var total int64
	if err := q.QueryRow(ctx, `SELECT count(*) FROM books WHERE `+where.sql(), where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count books: %w", err)
	}
	if total == 0 {
		return []books.Book{}, 0, nil
	}

	orderBy := bookOrder(query.Sort)
	limit := where.next(query.Pagination.Limit)
	offset := where.next(query.Pagination.Offset())
	rows, err := q.Query(ctx, `
SELECT `+bookColumns+`
  FROM books
 WHERE `+where.sql()+`
 ORDER BY `+orderBy+`
 LIMIT `+limit+` OFFSET `+offset, where.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]books.Book, 0, query.Pagination.Limit)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, *book)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate books: %w", err)
	}
	return items, total, nil
}

func (r *BookRepository) Each(ctx context.Context, filters books.Filters, sort books.Sort, fn func(books.Book) error) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("export_books", start, err) }(time.Now())
	where := bookFilters(filters)
	rows, err := r.queryer().Query(ctx, `
SELECT `+bookColumns+`
  FROM books
 WHERE `+where.sql()+`
 ORDER BY `+bookOrder(sort), where.args...)
	if err != nil {
		return fmt.Errorf("stream books: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return fmt.Errorf("scan book: %w", err)
		}
		if err := fn(*book); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *BookRepository) Update(ctx context.Context, id uuid.UUID, patch books.Patch) (*books.Book, error) {
	var (
		sets []string
		args []any
	)
	set := func(expr string, arg any) {
		args = append(args, arg)
		sets = append(sets, strings.Replace(expr, "?", fmt.Sprintf("$%d", len(args)), 1))
	}
	if patch.Title != nil {
		set("title = ?", *patch.Title)
	}
	if patch.Author != nil {
		set("author = ?", *patch.Author)
	}
	if patch.Publisher != nil {
		set("publisher = ?", *patch.Publisher)
	}
	if patch.Price != nil {
		set("price = ?::numeric / 100", int64(*patch.Price))
	}
	if patch.Availability != nil {
		set("availability = ?", *patch.Availability)
	}
	if patch.Genre != nil {
		set("genre = ?", string(*patch.Genre))
	}
	if patch.Stock != nil {
		set("stock = ?", *patch.Stock)
	}
	if patch.Description != nil {
		set("description = NULLIF(?, '')", *patch.Description)
	}
	if patch.ISBN != nil {
		set("isbn = NULLIF(?, '')", *patch.ISBN)
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	row := r.queryer().QueryRow(ctx, fmt.Sprintf(`
UPDATE books
   SET %s
 WHERE id = $%d AND deleted_at IS NULL
RETURNING `+bookColumns, strings.Join(sets, ", "), len(args)), args...)
	book, err := scanBook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, books.ErrNotFound
		}
		return nil, fmt.Errorf("update book: %w", err)
	}
	return book, nil
}

func (r *BookRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.queryer().Exec(ctx, `
UPDATE books
   SET deleted_at = now(), updated_at = now()
 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return books.ErrNotFound
	}
	return nil
}

func (r *BookRepository) Stats(ctx context.Context) (_ books.Stats, err error) {
	defer func(start time.Time) { metrics.RecordQuery("book_stats", start, err) }(time.Now())
	stats := books.Stats{ByGenre: make(map[books.Genre]int64)}
	var value int64
	err = r.queryer().QueryRow(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE availability),
       COALESCE(sum(stock), 0)::bigint,
       COALESCE(sum(price * stock * 100), 0)::bigint
  FROM books
 WHERE deleted_at IS NULL`).Scan(&stats.Total, &stats.Available, &stats.TotalStock, &value)
	if err != nil {
		return books.Stats{}, fmt.Errorf("book totals: %w", err)
	}
	stats.InventoryValue = books.Money(value)

	rows, err := r.queryer().Query(ctx, `
SELECT genre, count(*)
  FROM books
 WHERE deleted_at IS NULL
 GROUP BY genre`)
	if err != nil {
		return books.Stats{}, fmt.Errorf("books by genre: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			genre string
			count int64
		)
		if err := rows.Scan(&genre, &count); err != nil {
			return books.Stats{}, fmt.Errorf("scan genre count: %w", err)
		}
		stats.ByGenre[books.Genre(genre)] = count
	}
	if err := rows.Err(); err != nil {
		return books.Stats{}, err
	}
	return stats, nil
}

func (r *BookRepository) PurgeDeleted(ctx context.Context, deletedBefore time.Time) (int64, error) {
	tag, err := r.queryer().Exec(ctx, `DELETE FROM books WHERE deleted_at IS NOT NULL AND deleted_at < $1`, deletedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge books: %w", err)
	}
	return tag.RowsAffected(), nil
}

func bookFilters(f books.Filters) *whereBuilder {
	w := &whereBuilder{}
	w.add("deleted_at IS NULL")
	if f.Search != "" {
		w.addShared(`(title ILIKE ? ESCAPE '\' OR author ILIKE ? ESCAPE '\' OR description ILIKE ? ESCAPE '\' OR isbn ILIKE ? ESCAPE '\')`,
			containsPattern(f.Search))
	}
	if f.Title != "" {
		w.add(`title ILIKE ? ESCAPE '\'`, containsPattern(f.Title))
	}
	if f.Author != "" {
		w.add(`author ILIKE ? ESCAPE '\'`, containsPattern(f.Author))
	}
	if f.Publisher != "" {
		w.add(`publisher ILIKE ? ESCAPE '\'`, containsPattern(f.Publisher))
	}
	if f.Genre != nil {
		w.add("genre = ?", string(*f.Genre))
	}
	if f.Availability != nil {
		w.add("availability = ?", *f.Availability)
	}
	if f.MinPrice != nil {
		w.add("price >= ?::numeric / 100", int64(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		w.add("price <= ?::numeric / 100", int64(*f.MaxPrice))
	}
	if f.InStock {
		w.add("stock > 0")
	}
	return w
}

func bookOrder(s books.Sort) string {
	column, ok := sortColumns[s.Field]
	if !ok {
		column = sortColumns[books.SortCreatedAt]
	}
	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	return column + " " + direction + ", id " + direction
}

func scanBook(row pgx.Row) (*books.Book, error) {
	var (
		book  books.Book
		price int64
		genre string
	)
	if err := row.Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&book.Publisher,
		&price,
		&book.Availability,
		&genre,
		&book.Stock,
		&book.Description,
		&book.ISBN,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.DeletedAt,
	); err != nil {
		return nil, err
	}
	book.Price = books.Money(price)
	book.Genre = books.Genre(genre)
	return &book, nil
}

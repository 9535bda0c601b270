package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures/books.yaml
var defaultSeed []byte

// DefaultSeed returns the sample catalogue compiled into the binary.
func DefaultSeed() []byte {
	return defaultSeed
}

type seedFile struct {
	Books []seedBook `yaml:"books"`
}

type seedBook struct {
	Title        string  `yaml:"title"`
	Author       string  `yaml:"author"`
	Publisher    string  `yaml:"publisher"`
	Price        string  `yaml:"price"`
	Genre        string  `yaml:"genre"`
	Stock        int     `yaml:"stock"`
	Availability *bool   `yaml:"availability"`
	Description  *string `yaml:"description"`
	ISBN         *string `yaml:"isbn"`
}

// SeedResult counts what a seed run did.
type SeedResult struct {
	Inserted int
	Skipped  int
}

// ParseSeed decodes and checks a YAML book fixture.
func ParseSeed(data []byte) ([]books.Book, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	out := make([]books.Book, 0, len(file.Books))
	for i, b := range file.Books {
		if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Author) == "" || strings.TrimSpace(b.Publisher) == "" {
			return nil, fmt.Errorf("seed book %d: title, author and publisher are required", i)
		}
		price, err := books.ParseMoney(b.Price)
		if err != nil {
			return nil, fmt.Errorf("seed book %d (%s): %w", i, b.Title, err)
		}
		genre := books.Genre(strings.ToUpper(b.Genre))
		if !genre.Valid() {
			return nil, fmt.Errorf("seed book %d (%s): unknown genre %q", i, b.Title, b.Genre)
		}
		if b.Stock < 0 {
			return nil, fmt.Errorf("seed book %d (%s): negative stock", i, b.Title)
		}
		available := true
		if b.Availability != nil {
			available = *b.Availability
		}
		out = append(out, books.Book{
			Title:        strings.TrimSpace(b.Title),
			Author:       strings.TrimSpace(b.Author),
			Publisher:    strings.TrimSpace(b.Publisher),
			Price:        price,
			Availability: available,
			Genre:        genre,
			Stock:        b.Stock,
			Description:  b.Description,
			ISBN:         b.ISBN,
		})
	}
	return out, nil
}

// Seed inserts fixture books that are not already present, matching on
// title and author among non-deleted rows.
func Seed(ctx context.Context, pool *pgxpool.Pool, data []byte) (SeedResult, error) {
	items, err := ParseSeed(data)
	if err != nil {
		return SeedResult{}, err
	}

	var result SeedResult
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, b := range items {
			tag, err := tx.Exec(ctx, `
INSERT INTO books (title, author, publisher, price, availability, genre, stock, description, isbn)
SELECT $1, $2, $3, $4::numeric / 100, $5, $6, $7, $8, $9
 WHERE NOT EXISTS (
   SELECT 1 FROM books
    WHERE lower(title) = lower($1) AND lower(author) = lower($2) AND deleted_at IS NULL
 )`,
				b.Title, b.Author, b.Publisher, int64(b.Price), b.Availability, string(b.Genre), b.Stock, b.Description, b.ISBN,
			)
			if err != nil {
				return fmt.Errorf("seed %q: %w", b.Title, err)
			}
			if tag.RowsAffected() == 0 {
				result.Skipped++
			} else {
				result.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	return result, nil
}

package books

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cmpc-libros/server/internal/domain/ids"
	"github.com/cmpc-libros/server/internal/sanitize"
	"github.com/cmpc-libros/server/internal/validation"
	"github.com/google/uuid"
)

// ErrInvalidID is returned for ids that are not canonical UUIDs.
var ErrInvalidID = errors.New("invalid book id")

// CreateInput is the body accepted when adding a book.
type CreateInput struct {
	Title        string  `json:"title" validate:"required,notblank,max=255"`
	Author       string  `json:"author" validate:"required,notblank,max=255"`
	Publisher    string  `json:"publisher" validate:"required,notblank,max=255"`
	Price        *Money  `json:"price" validate:"required"`
	Availability *bool   `json:"availability"`
	Genre        Genre   `json:"genre" validate:"required,oneof=FICTION NON_FICTION SCIENCE TECHNOLOGY HISTORY BIOGRAPHY CHILDREN ROMANCE THRILLER FANTASY OTHER"`
	Stock        *int    `json:"stock" validate:"required,gte=0"`
	Description  *string `json:"description" validate:"omitempty,max=5000"`
	ISBN         *string `json:"isbn" validate:"omitempty,isbn"`
}

// UpdateInput is a partial CreateInput.
type UpdateInput struct {
	Title        *string `json:"title" validate:"omitempty,notblank,max=255"`
	Author       *string `json:"author" validate:"omitempty,notblank,max=255"`
	Publisher    *string `json:"publisher" validate:"omitempty,notblank,max=255"`
	Price        *Money  `json:"price"`
	Availability *bool   `json:"availability"`
	Genre        *Genre  `json:"genre" validate:"omitempty,oneof=FICTION NON_FICTION SCIENCE TECHNOLOGY HISTORY BIOGRAPHY CHILDREN ROMANCE THRILLER FANTASY OTHER"`
	Stock        *int    `json:"stock" validate:"omitempty,gte=0"`
	Description  *string `json:"description" validate:"omitempty,max=5000"`
	ISBN         *string `json:"isbn" validate:"omitempty,isbn"`
}

type Service struct {
	repo      Repository
	validator *validation.Validator
	now       func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, validator: validation.New(), now: time.Now}
}

// sanitized reduces text fields to plain text before validation so
// markup-only values count as blank.
func (in CreateInput) sanitized() CreateInput {
	in.Title = sanitize.Text(in.Title)
	in.Author = sanitize.Text(in.Author)
	in.Publisher = sanitize.Text(in.Publisher)
	in.Description = sanitize.TextPtr(in.Description)
	if blankISBN(in.ISBN) {
		in.ISBN = nil
	}
	return in
}

func (in UpdateInput) sanitized() UpdateInput {
	in.Title = sanitize.TextPtr(in.Title)
	in.Author = sanitize.TextPtr(in.Author)
	in.Publisher = sanitize.TextPtr(in.Publisher)
	in.Description = sanitize.TextPtr(in.Description)
	return in
}

func (s *Service) Create(ctx context.Context, input CreateInput) (*Book, error) {
	input = input.sanitized()
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	if err := checkPrice(*input.Price); err != nil {
		return nil, err
	}

	availability := true
	if input.Availability != nil {
		availability = *input.Availability
	}
	now := s.now().UTC()
	book := Book{
		ID:           ids.NewUUID(),
		Title:        input.Title,
		Author:       input.Author,
		Publisher:    input.Publisher,
		Price:        *input.Price,
		Availability: availability,
		Genre:        input.Genre,
		Stock:        *input.Stock,
		Description:  nonEmpty(input.Description),
		ISBN:         normalizeISBN(input.ISBN),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.repo.Create(ctx, book)
	if err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, rawID string) (*Book, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, query Query) (ListResult, error) {
	books, total, err := s.repo.List(ctx, query)
	if err != nil {
		return ListResult{}, fmt.Errorf("list books: %w", err)
	}
	if books == nil {
		books = []Book{}
	}
	return ListResult{Data: books, Pagination: NewPageInfo(total, query.Pagination)}, nil
}

// Update applies a partial change. An empty patch returns the stored book.
// An empty description or isbn clears the stored value.
func (s *Service) Update(ctx context.Context, rawID string, input UpdateInput) (*Book, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	input = input.sanitized()
	clearISBN := blankISBN(input.ISBN)
	if clearISBN {
		input.ISBN = nil
	}
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	if input.Price != nil {
		if err := checkPrice(*input.Price); err != nil {
			return nil, err
		}
	}

	patch := Patch{
		Price:        input.Price,
		Availability: input.Availability,
		Genre:        input.Genre,
		Stock:        input.Stock,
		Title:        input.Title,
		Author:       input.Author,
		Publisher:    input.Publisher,
		Description:  input.Description,
		ISBN:         normalizeISBN(input.ISBN),
	}
	if clearISBN {
		patch.ISBN = new(string)
	}
	if patch.Empty() {
		return s.repo.GetByID(ctx, id)
	}
	return s.repo.Update(ctx, id, patch)
}

func (s *Service) Delete(ctx context.Context, rawID string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("book stats: %w", err)
	}
	if stats.ByGenre == nil {
		stats.ByGenre = map[Genre]int64{}
	}
	return stats, nil
}

// PurgeDeleted hard-deletes books soft-deleted more than retention ago.
func (s *Service) PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.repo.PurgeDeleted(ctx, s.now().Add(-retention))
}

// NotFoundMessage is the user-facing text for a missing book.
func NotFoundMessage(id string) string {
	return fmt.Sprintf("Book with ID %s not found", id)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := ids.ParseUUID(raw)
	if err != nil {
		return uuid.Nil, ErrInvalidID
	}
	return id, nil
}

func checkPrice(price Money) error {
	if price < 0 {
		return validation.FieldError("price", "must be greater than or equal to 0")
	}
	if price > MaxPrice {
		return validation.FieldError("price", "must be less than or equal to "+MaxPrice.String())
	}
	return nil
}

func nonEmpty(in *string) *string {
	if in == nil || *in == "" {
		return nil
	}
	return in
}

func blankISBN(in *string) bool {
	return in != nil && strings.TrimSpace(*in) == ""
}

// normalizeISBN drops separators so equal ISBNs compare equal.
func normalizeISBN(in *string) *string {
	if in == nil {
		return nil
	}
	cleaned := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(*in))
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

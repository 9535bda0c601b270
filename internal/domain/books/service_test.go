package books

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cmpc-libros/server/internal/validation"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	createFn  func(ctx context.Context, book Book) (*Book, error)
	getFn     func(ctx context.Context, id uuid.UUID) (*Book, error)
	listFn    func(ctx context.Context, query Query) ([]Book, int64, error)
	updateFn  func(ctx context.Context, id uuid.UUID, patch Patch) (*Book, error)
	deleteFn  func(ctx context.Context, id uuid.UUID) error
	eachFn    func(ctx context.Context, filters Filters, sort Sort, fn func(Book) error) error
	statsFn   func(ctx context.Context) (Stats, error)
	purgeFn   func(ctx context.Context, before time.Time) (int64, error)
	lastPatch *Patch
}

func (s *stubRepo) Create(ctx context.Context, book Book) (*Book, error) {
	if s.createFn != nil {
		return s.createFn(ctx, book)
	}
	return &book, nil
}

func (s *stubRepo) GetByID(ctx context.Context, id uuid.UUID) (*Book, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (s *stubRepo) List(ctx context.Context, query Query) ([]Book, int64, error) {
	return s.listFn(ctx, query)
}

func (s *stubRepo) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Book, error) {
	s.lastPatch = &patch
	if s.updateFn != nil {
		return s.updateFn(ctx, id, patch)
	}
	return &Book{ID: id}, nil
}

func (s *stubRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return s.deleteFn(ctx, id)
}

func (s *stubRepo) Each(ctx context.Context, filters Filters, sort Sort, fn func(Book) error) error {
	return s.eachFn(ctx, filters, sort, fn)
}

func (s *stubRepo) Stats(ctx context.Context) (Stats, error) {
	return s.statsFn(ctx)
}

func (s *stubRepo) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	return s.purgeFn(ctx, before)
}

func ptr[T any](v T) *T { return &v }

func validCreateInput() CreateInput {
	return CreateInput{
		Title:     "1984",
		Author:    "George Orwell",
		Publisher: "Secker & Warburg",
		Price:     ptr(Money(15990)),
		Genre:     GenreFiction,
		Stock:     ptr(12),
		ISBN:      ptr("978-0-451-52493-5"),
	}
}

func TestServiceCreate_Defaults(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	input := validCreateInput()
	input.Title = "  <b>1984</b> "
	input.Description = ptr("   ")

	book, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, book.ID)
	assert.Equal(t, "1984", book.Title)
	assert.True(t, book.Availability)
	assert.Nil(t, book.Description)
	require.NotNil(t, book.ISBN)
	assert.Equal(t, "9780451524935", *book.ISBN)
	assert.Equal(t, fixed, book.CreatedAt)
	assert.Equal(t, fixed, book.UpdatedAt)
}

func TestServiceCreate_Validation(t *testing.T) {
	svc := NewService(&stubRepo{})

	cases := map[string]struct {
		mutate func(*CreateInput)
		field  string
	}{
		"missing title":  {func(in *CreateInput) { in.Title = "" }, "title"},
		"blank author":   {func(in *CreateInput) { in.Author = "   " }, "author"},
		"missing price":  {func(in *CreateInput) { in.Price = nil }, "price"},
		"negative price": {func(in *CreateInput) { in.Price = ptr(Money(-1)) }, "price"},
		"huge price":     {func(in *CreateInput) { in.Price = ptr(MaxPrice + 1) }, "price"},
		"bad genre":      {func(in *CreateInput) { in.Genre = "POETRY" }, "genre"},
		"negative stock": {func(in *CreateInput) { in.Stock = ptr(-3) }, "stock"},
		"missing stock":  {func(in *CreateInput) { in.Stock = nil }, "stock"},
		"bad isbn":       {func(in *CreateInput) { in.ISBN = ptr("12345") }, "isbn"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			input := validCreateInput()
			tc.mutate(&input)
			_, err := svc.Create(context.Background(), input)

			var verr *validation.Error
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestServiceCreate_SanitizesBeforeValidating(t *testing.T) {
	var stored *Book
	repo := &stubRepo{createFn: func(_ context.Context, book Book) (*Book, error) {
		stored = &book
		return &book, nil
	}}
	svc := NewService(repo)

	input := validCreateInput()
	input.Title = "<b></b>"
	_, err := svc.Create(context.Background(), input)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "title")
	assert.Nil(t, stored)

	input = validCreateInput()
	input.Author = "&lt;b&gt;Orwell"
	input.Description = ptr("&lt;script&gt;alert(1)&lt;/script&gt;Distopía")
	input.ISBN = ptr("  ")
	book, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "Orwell", book.Author)
	require.NotNil(t, book.Description)
	assert.Equal(t, "Distopía", *book.Description)
	assert.Nil(t, book.ISBN)
}

func TestServiceCreate_ZeroStockAndPriceAllowed(t *testing.T) {
	svc := NewService(&stubRepo{})
	input := validCreateInput()
	input.Price = ptr(Money(0))
	input.Stock = ptr(0)
	input.Availability = ptr(false)

	book, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, book.Availability)
	assert.Equal(t, 0, book.Stock)
}

func TestServiceGet_InvalidID(t *testing.T) {
	svc := NewService(&stubRepo{})
	_, err := svc.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestServiceGet_NotFound(t *testing.T) {
	svc := NewService(&stubRepo{})
	_, err := svc.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceList_Envelope(t *testing.T) {
	repo := &stubRepo{
		listFn: func(_ context.Context, q Query) ([]Book, int64, error) {
			assert.Equal(t, 2, q.Pagination.Page)
			return nil, 25, nil
		},
	}
	result, err := NewService(repo).List(context.Background(), Query{Pagination: Pagination{Page: 2, Limit: 10}})
	require.NoError(t, err)
	assert.NotNil(t, result.Data)
	assert.Equal(t, PageInfo{Total: 25, Page: 2, Limit: 10, TotalPages: 3, HasNextPage: true, HasPreviousPage: true}, result.Pagination)

	payload, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"data":[]`)
}

func TestNewPageInfo(t *testing.T) {
	assert.Equal(t, PageInfo{Total: 0, Page: 1, Limit: 10}, NewPageInfo(0, Pagination{Page: 1, Limit: 10}))

	last := NewPageInfo(30, Pagination{Page: 3, Limit: 10})
	assert.Equal(t, 3, last.TotalPages)
	assert.False(t, last.HasNextPage)
	assert.True(t, last.HasPreviousPage)

	beyond := NewPageInfo(5, Pagination{Page: 4, Limit: 10})
	assert.False(t, beyond.HasNextPage)
}

func TestServiceUpdate_EmptyPatchReturnsCurrent(t *testing.T) {
	id := uuid.New()
	repo := &stubRepo{
		getFn: func(_ context.Context, got uuid.UUID) (*Book, error) {
			return &Book{ID: got, Title: "Dune"}, nil
		},
	}
	book, err := NewService(repo).Update(context.Background(), id.String(), UpdateInput{})
	require.NoError(t, err)
	assert.Equal(t, "Dune", book.Title)
	assert.Nil(t, repo.lastPatch)
}

func TestServiceUpdate_BuildsPatch(t *testing.T) {
	repo := &stubRepo{}
	_, err := NewService(repo).Update(context.Background(), uuid.NewString(), UpdateInput{
		Title: ptr("<em>Dune</em> Messiah"),
		Stock: ptr(0),
		ISBN:  ptr("0-441-17271-7"),
	})
	require.NoError(t, err)
	require.NotNil(t, repo.lastPatch)
	assert.Equal(t, "Dune Messiah", *repo.lastPatch.Title)
	assert.Equal(t, 0, *repo.lastPatch.Stock)
	assert.Equal(t, "0441172717", *repo.lastPatch.ISBN)
	assert.Nil(t, repo.lastPatch.Price)
}

func TestServiceUpdate_Validation(t *testing.T) {
	svc := NewService(&stubRepo{})

	_, err := svc.Update(context.Background(), uuid.NewString(), UpdateInput{Title: ptr("  ")})
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "title")

	_, err = svc.Update(context.Background(), uuid.NewString(), UpdateInput{Price: ptr(Money(-100))})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "price")
}

func TestServiceUpdate_MarkupOnlyTitleRejected(t *testing.T) {
	repo := &stubRepo{}
	_, err := NewService(repo).Update(context.Background(), uuid.NewString(), UpdateInput{Publisher: ptr("<i></i>")})

	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "publisher")
	assert.Nil(t, repo.lastPatch)
}

func TestServiceUpdate_ClearsISBNAndDescription(t *testing.T) {
	repo := &stubRepo{}
	_, err := NewService(repo).Update(context.Background(), uuid.NewString(), UpdateInput{
		ISBN:        ptr(""),
		Description: ptr(""),
	})
	require.NoError(t, err)
	require.NotNil(t, repo.lastPatch)
	require.NotNil(t, repo.lastPatch.ISBN)
	assert.Empty(t, *repo.lastPatch.ISBN)
	require.NotNil(t, repo.lastPatch.Description)
	assert.Empty(t, *repo.lastPatch.Description)
}

func TestServiceDelete(t *testing.T) {
	var deleted uuid.UUID
	repo := &stubRepo{deleteFn: func(_ context.Context, id uuid.UUID) error {
		deleted = id
		return nil
	}}
	id := uuid.New()
	require.NoError(t, NewService(repo).Delete(context.Background(), id.String()))
	assert.Equal(t, id, deleted)

	assert.ErrorIs(t, NewService(repo).Delete(context.Background(), "42"), ErrInvalidID)
}

func TestServicePurgeDeleted(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var cutoff time.Time
	repo := &stubRepo{purgeFn: func(_ context.Context, before time.Time) (int64, error) {
		cutoff = before
		return 4, nil
	}}
	svc := NewService(repo)
	svc.now = func() time.Time { return fixed }

	n, err := svc.PurgeDeleted(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, fixed.Add(-48*time.Hour), cutoff)

	n, err = svc.PurgeDeleted(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func exportFixture() []Book {
	return []Book{
		{
			ID:           uuid.MustParse("3f1c2a9e-8d5b-4c1e-9a7f-2b6d4e8c0a11"),
			Title:        "1984",
			Author:       "George Orwell",
			Publisher:    "Secker & Warburg",
			Price:        15990,
			Availability: true,
			Genre:        GenreFiction,
			Stock:        12,
			ISBN:         ptr("9780451524935"),
			CreatedAt:    time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
			UpdatedAt:    time.Date(2024, 1, 3, 8, 30, 0, 0, time.FixedZone("CLT", -3*3600)),
		},
		{
			ID:           uuid.MustParse("7b2e4d6f-1a3c-4e5f-8b9d-0c1e2f3a4b52"),
			Title:        `Cien años de soledad, edición "conmemorativa"`,
			Author:       "Gabriel García Márquez",
			Publisher:    "Sudamericana",
			Price:        2500,
			Availability: false,
			Genre:        GenreFiction,
			Stock:        0,
			CreatedAt:    time.Date(2024, 2, 10, 8, 15, 0, 0, time.UTC),
			UpdatedAt:    time.Date(2024, 2, 10, 8, 15, 0, 0, time.UTC),
		},
	}
}

func TestExportCSV_Golden(t *testing.T) {
	repo := &stubRepo{eachFn: func(_ context.Context, _ Filters, sort Sort, fn func(Book) error) error {
		assert.Equal(t, SortTitle, sort.Field)
		for _, b := range exportFixture() {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}}

	var buf bytes.Buffer
	rows, err := NewService(repo).ExportCSV(context.Background(), Filters{}, Sort{Field: SortTitle}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	g := goldie.New(t)
	g.Assert(t, "export", buf.Bytes())
}

func TestExportCSV_EmptyHasHeader(t *testing.T) {
	repo := &stubRepo{eachFn: func(context.Context, Filters, Sort, func(Book) error) error { return nil }}

	var buf bytes.Buffer
	rows, err := NewService(repo).ExportCSV(context.Background(), Filters{}, Sort{}, &buf)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, "ID,Title,Author,Publisher,Price,Availability,Genre,Stock,ISBN,Created At,Updated At\n", buf.String())
}

func TestExportCSV_RepositoryError(t *testing.T) {
	boom := errors.New("cursor closed")
	repo := &stubRepo{eachFn: func(_ context.Context, _ Filters, _ Sort, fn func(Book) error) error {
		_ = fn(exportFixture()[0])
		return boom
	}}

	var buf bytes.Buffer
	rows, err := NewService(repo).ExportCSV(context.Background(), Filters{}, Sort{}, &buf)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rows)
}

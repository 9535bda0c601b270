package books

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("book not found")

type Genre string

const (
	GenreFiction    Genre = "FICTION"
	GenreNonFiction Genre = "NON_FICTION"
	GenreScience    Genre = "SCIENCE"
	GenreTechnology Genre = "TECHNOLOGY"
	GenreHistory    Genre = "HISTORY"
	GenreBiography  Genre = "BIOGRAPHY"
	GenreChildren   Genre = "CHILDREN"
	GenreRomance    Genre = "ROMANCE"
	GenreThriller   Genre = "THRILLER"
	GenreFantasy    Genre = "FANTASY"
	GenreOther      Genre = "OTHER"
)

// Genres lists every genre in display order.
var Genres = []Genre{
	GenreFiction, GenreNonFiction, GenreScience, GenreTechnology, GenreHistory,
	GenreBiography, GenreChildren, GenreRomance, GenreThriller, GenreFantasy, GenreOther,
}

func (g Genre) Valid() bool {
	for _, candidate := range Genres {
		if g == candidate {
			return true
		}
	}
	return false
}

type Book struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	Publisher    string     `json:"publisher"`
	Price        Money      `json:"price"`
	Availability bool       `json:"availability"`
	Genre        Genre      `json:"genre"`
	Stock        int        `json:"stock"`
	Description  *string    `json:"description"`
	ISBN         *string    `json:"isbn"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// SortField names a sortable column by its API name.
type SortField string

const (
	SortTitle        SortField = "title"
	SortAuthor       SortField = "author"
	SortPublisher    SortField = "publisher"
	SortPrice        SortField = "price"
	SortGenre        SortField = "genre"
	SortStock        SortField = "stock"
	SortAvailability SortField = "availability"
	SortCreatedAt    SortField = "createdAt"
	SortUpdatedAt    SortField = "updatedAt"
)

var sortFields = []SortField{
	SortTitle, SortAuthor, SortPublisher, SortPrice, SortGenre,
	SortStock, SortAvailability, SortCreatedAt, SortUpdatedAt,
}

type Filters struct {
	Search       string
	Title        string
	Author       string
	Publisher    string
	Genre        *Genre
	Availability *bool
	MinPrice     *Money
	MaxPrice     *Money
	InStock      bool
}

type Sort struct {
	Field SortField
	Desc  bool
}

type Pagination struct {
	Page  int
	Limit int
}

// Offset is the number of rows skipped before the page starts.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Query bundles everything a list request can carry.
type Query struct {
	Filters    Filters
	Sort       Sort
	Pagination Pagination
}

type PageInfo struct {
	Total           int64 `json:"total"`
	Page            int   `json:"page"`
	Limit           int   `json:"limit"`
	TotalPages      int   `json:"totalPages"`
	HasNextPage     bool  `json:"hasNextPage"`
	HasPreviousPage bool  `json:"hasPreviousPage"`
}

// NewPageInfo derives page counts from a total row count.
func NewPageInfo(total int64, p Pagination) PageInfo {
	totalPages := 0
	if p.Limit > 0 {
		totalPages = int((total + int64(p.Limit) - 1) / int64(p.Limit))
	}
	return PageInfo{
		Total:           total,
		Page:            p.Page,
		Limit:           p.Limit,
		TotalPages:      totalPages,
		HasNextPage:     p.Page < totalPages,
		HasPreviousPage: p.Page > 1,
	}
}

type ListResult struct {
	Data       []Book   `json:"data"`
	Pagination PageInfo `json:"pagination"`
}

// Patch holds the columns an update changes; nil fields are left alone.
type Patch struct {
	Title        *string
	Author       *string
	Publisher    *string
	Price        *Money
	Availability *bool
	Genre        *Genre
	Stock        *int
	Description  *string
	ISBN         *string
}

func (p Patch) Empty() bool {
	return p == Patch{}
}

type Stats struct {
	Total          int64           `json:"total"`
	Available      int64           `json:"available"`
	TotalStock     int64           `json:"totalStock"`
	InventoryValue Money           `json:"inventoryValue"`
	ByGenre        map[Genre]int64 `json:"byGenre"`
}

type Repository interface {
	Create(ctx context.Context, book Book) (*Book, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Book, error)
	List(ctx context.Context, query Query) ([]Book, int64, error)
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*Book, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	// Each streams every book matching filters in sort order.
	Each(ctx context.Context, filters Filters, sort Sort, fn func(Book) error) error
	Stats(ctx context.Context) (Stats, error)
	PurgeDeleted(ctx context.Context, deletedBefore time.Time) (int64, error)
}

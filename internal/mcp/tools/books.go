package tools

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/mark3labs/mcp-go/mcp"
)

// BookTools exposes read-only catalogue queries to MCP clients.
type BookTools struct {
	booksService *books.Service
}

func NewBookTools(booksService *books.Service) *BookTools {
	return &BookTools{booksService: booksService}
}

// ListBooksTool returns the MCP tool definition for listing books.
func (t *BookTools) ListBooksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_books",
		Description: "List books with optional filters, sorting and pagination. Returns {data, pagination} exactly like GET /api/books.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"search": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive text matched against title, author, description and ISBN",
				},
				"author": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring of the author name",
				},
				"publisher": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring of the publisher name",
				},
				"genre": map[string]interface{}{
					"type":        "string",
					"description": "Exact genre",
					"enum":        books.Genres,
				},
				"availability": map[string]interface{}{
					"type":        "boolean",
					"description": "Only books with this availability flag",
				},
				"in_stock": map[string]interface{}{
					"type":        "boolean",
					"description": "Only books with stock above zero",
				},
				"min_price": map[string]interface{}{
					"type":        "number",
					"description": "Lowest price, inclusive",
				},
				"max_price": map[string]interface{}{
					"type":        "number",
					"description": "Highest price, inclusive",
				},
				"sort_by": map[string]interface{}{
					"type":        "string",
					"description": "Sort column (title, author, publisher, price, genre, stock, availability, createdAt, updatedAt)",
				},
				"sort_direction": map[string]interface{}{
					"type":        "string",
					"description": "asc or desc (default desc)",
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "Page number, starting at 1",
					"default":     1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Page size (default: 10, max: 100)",
					"default":     books.DefaultLimit,
				},
			},
		},
	}
}

// ListBooksHandler handles the list_books tool call.
func (t *BookTools) ListBooksHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t == nil || t.booksService == nil {
		return mcp.NewToolResultError("books service not configured"), nil
	}

	var args struct {
		Search        string   `json:"search"`
		Author        string   `json:"author"`
		Publisher     string   `json:"publisher"`
		Genre         string   `json:"genre"`
		Availability  *bool    `json:"availability"`
		InStock       *bool    `json:"in_stock"`
		MinPrice      *float64 `json:"min_price"`
		MaxPrice      *float64 `json:"max_price"`
		SortBy        string   `json:"sort_by"`
		SortDirection string   `json:"sort_direction"`
		Page          int      `json:"page"`
		Limit         int      `json:"limit"`
	}
	if err := decodeArguments(request, &args); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
	}

	values := url.Values{}
	setIfPresent(values, "search", args.Search)
	setIfPresent(values, "author", args.Author)
	setIfPresent(values, "publisher", args.Publisher)
	setIfPresent(values, "genre", args.Genre)
	setIfPresent(values, "sortBy", args.SortBy)
	setIfPresent(values, "sortDirection", args.SortDirection)
	if args.Availability != nil {
		values.Set("availability", strconv.FormatBool(*args.Availability))
	}
	if args.InStock != nil {
		values.Set("inStock", strconv.FormatBool(*args.InStock))
	}
	if args.MinPrice != nil {
		values.Set("minPrice", strconv.FormatFloat(*args.MinPrice, 'f', -1, 64))
	}
	if args.MaxPrice != nil {
		values.Set("maxPrice", strconv.FormatFloat(*args.MaxPrice, 'f', -1, 64))
	}
	if args.Page != 0 {
		values.Set("page", strconv.Itoa(args.Page))
	}
	if args.Limit != 0 {
		values.Set("limit", strconv.Itoa(args.Limit))
	}

	query, err := books.ParseQuery(values)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("invalid filters", err), nil
	}
	result, err := t.booksService.List(ctx, query)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to list books", err), nil
	}
	return toolResultJSON(result)
}

// GetBookTool returns the MCP tool definition for fetching one book.
func (t *BookTools) GetBookTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_book",
		Description: "Get a single book by its UUID.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Book UUID",
				},
			},
			Required: []string{"id"},
		},
	}
}

func (t *BookTools) GetBookHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t == nil || t.booksService == nil {
		return mcp.NewToolResultError("books service not configured"), nil
	}

	var args struct {
		ID string `json:"id"`
	}
	if err := decodeArguments(request, &args); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	id := strings.TrimSpace(args.ID)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	book, err := t.booksService.Get(ctx, id)
	switch {
	case errors.Is(err, books.ErrInvalidID):
		return mcp.NewToolResultError("id must be a valid UUID"), nil
	case errors.Is(err, books.ErrNotFound):
		return mcp.NewToolResultError(books.NotFoundMessage(id)), nil
	case err != nil:
		return mcp.NewToolResultErrorFromErr("failed to get book", err), nil
	}
	return toolResultJSON(book)
}

// BookStatsTool returns the MCP tool definition for catalogue statistics.
func (t *BookTools) BookStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "book_stats",
		Description: "Catalogue totals: number of books, available books, total stock, inventory value and counts per genre.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

func (t *BookTools) BookStatsHandler(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if t == nil || t.booksService == nil {
		return mcp.NewToolResultError("books service not configured"), nil
	}
	stats, err := t.booksService.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to load stats", err), nil
	}
	return toolResultJSON(stats)
}

func setIfPresent(values url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		values.Set(key, value)
	}
}

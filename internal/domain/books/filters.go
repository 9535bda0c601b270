package books

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

type FilterError struct {
	Field   string
	Message string
}

func (e FilterError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ParseQuery reads list filters, sort order and page from query parameters.
func ParseQuery(values url.Values) (Query, error) {
	filters, err := ParseFilters(values)
	if err != nil {
		return Query{}, err
	}
	sort, err := parseSort(values)
	if err != nil {
		return Query{}, err
	}
	page, err := parsePositive(values, "page", 1, 0)
	if err != nil {
		return Query{}, err
	}
	limit, err := parsePositive(values, "limit", DefaultLimit, MaxLimit)
	if err != nil {
		return Query{}, err
	}
	return Query{
		Filters:    filters,
		Sort:       sort,
		Pagination: Pagination{Page: page, Limit: limit},
	}, nil
}

// ParseExportQuery reads the filters and sort order used by the CSV export.
func ParseExportQuery(values url.Values) (Filters, Sort, error) {
	filters, err := ParseFilters(values)
	if err != nil {
		return Filters{}, Sort{}, err
	}
	sort, err := parseSort(values)
	if err != nil {
		return Filters{}, Sort{}, err
	}
	return filters, sort, nil
}

func ParseFilters(values url.Values) (Filters, error) {
	filters := Filters{
		Search:    strings.TrimSpace(values.Get("search")),
		Title:     strings.TrimSpace(values.Get("title")),
		Author:    strings.TrimSpace(values.Get("author")),
		Publisher: strings.TrimSpace(values.Get("publisher")),
	}

	if raw := strings.TrimSpace(values.Get("genre")); raw != "" {
		genre := Genre(strings.ToUpper(raw))
		if !genre.Valid() {
			return Filters{}, FilterError{Field: "genre", Message: "must be a known genre"}
		}
		filters.Genre = &genre
	}

	availability, err := parseBool(values, "availability")
	if err != nil {
		return Filters{}, err
	}
	filters.Availability = availability

	inStock, err := parseBool(values, "inStock")
	if err != nil {
		return Filters{}, err
	}
	filters.InStock = inStock != nil && *inStock

	if filters.MinPrice, err = parsePrice(values, "minPrice"); err != nil {
		return Filters{}, err
	}
	if filters.MaxPrice, err = parsePrice(values, "maxPrice"); err != nil {
		return Filters{}, err
	}
	if filters.MinPrice != nil && filters.MaxPrice != nil && *filters.MinPrice > *filters.MaxPrice {
		return Filters{}, FilterError{Field: "minPrice", Message: "must not exceed maxPrice"}
	}
	return filters, nil
}

func parseSort(values url.Values) (Sort, error) {
	sort := Sort{Field: SortCreatedAt, Desc: true}

	if raw := strings.TrimSpace(values.Get("sortBy")); raw != "" {
		field, ok := lookupSortField(raw)
		if !ok {
			return Sort{}, FilterError{Field: "sortBy", Message: "must be one of " + sortFieldList()}
		}
		sort.Field = field
	}

	direction := strings.TrimSpace(values.Get("sortDirection"))
	if direction == "" {
		direction = strings.TrimSpace(values.Get("order"))
	}
	switch strings.ToLower(direction) {
	case "":
	case "asc":
		sort.Desc = false
	case "desc":
		sort.Desc = true
	default:
		return Sort{}, FilterError{Field: "sortDirection", Message: "must be asc or desc"}
	}
	return sort, nil
}

func lookupSortField(raw string) (SortField, bool) {
	for _, field := range sortFields {
		if strings.EqualFold(string(field), raw) {
			return field, true
		}
	}
	return "", false
}

func sortFieldList() string {
	names := make([]string, len(sortFields))
	for i, f := range sortFields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

func parseBool(values url.Values, key string) (*bool, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	switch strings.ToLower(raw) {
	case "true", "1":
		v := true
		return &v, nil
	case "false", "0":
		v := false
		return &v, nil
	}
	return nil, FilterError{Field: key, Message: "must be true or false"}
}

func parsePrice(values url.Values, key string) (*Money, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil, nil
	}
	m, err := ParseMoney(raw)
	if err != nil || m < 0 {
		return nil, FilterError{Field: key, Message: "must be a non-negative amount"}
	}
	return &m, nil
}

// parsePositive reads an integer >= 1; max of 0 means unbounded.
func parsePositive(values url.Values, key string, fallback, max int) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, FilterError{Field: key, Message: "must be a number"}
	}
	if parsed < 1 {
		return 0, FilterError{Field: key, Message: "must be at least 1"}
	}
	if max > 0 && parsed > max {
		return 0, FilterError{Field: key, Message: fmt.Sprintf("must be between 1 and %d", max)}
	}
	return parsed, nil
}

// Package pagination extracts paging parameters from URL query strings and
// applies them to already sorted result slices.
package pagination

import (
	"math"
	"net/url"
	"slices"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int    // Current page number (1-based)
	Limit  int    // Number of items per page; 0 means no paging
	Offset int    // Index of the first item on the page
	Sort   string // "newest" or "oldest"
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit = 100
	// DefaultPage is the default page number when not specified
	DefaultPage = 1
	// DefaultSort is the default sort order when not specified
	DefaultSort = "newest"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// normalizeSort maps accepted sort spellings onto newest or oldest.
func normalizeSort(sort string) (string, bool) {
	switch sort {
	case "newest", "desc":
		return "newest", true
	case "oldest", "asc":
		return "oldest", true
	default:
		return "", false
	}
}

// PaginationOption is a function type for configuring pagination parameters.
type PaginationOption func(*Params)

// WithDefaultLimit sets the page size used when the request gives none.
func WithDefaultLimit(limit int) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort returns a no-op option when sort is not recognised.
func WithDefaultSort(sort string) PaginationOption {
	normalized, ok := normalizeSort(sort)
	if !ok {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = normalized
	}
}

// GetPaginationParams extracts pagination parameters from URL query values.
// Without a limit in the query or the options, every item is returned.
func GetPaginationParams(q url.Values, opts ...PaginationOption) *Params {
	params := &Params{
		Page: DefaultPage,
		Sort: DefaultSort,
	}

	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.Atoi(pageStr); err == nil && val > 0 {
			params.Page = val
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 {
			params.Limit = val
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	// keep the offset representable
	if params.Limit > 0 && params.Page > math.MaxInt/params.Limit {
		params.Page = math.MaxInt / params.Limit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if sort, ok := normalizeSort(q.Get("sort")); ok {
		params.Sort = sort
	}

	return params
}

// GetHasNext determines if there are more items available after the current page.
func GetHasNext(offset, limit, count int) bool {
	return limit > 0 && offset >= 0 && limit < count-offset
}

// Apply returns the requested page of items, which must be sorted newest
// first. The input slice is not modified.
func Apply[T any](items []T, p *Params) []T {
	window := items
	if p.Sort == "oldest" {
		window = slices.Clone(items)
		slices.Reverse(window)
	}
	if p.Limit <= 0 {
		return window
	}
	if p.Offset < 0 || p.Offset >= len(window) {
		return window[:0]
	}
	end := len(window)
	if p.Limit < end-p.Offset {
		end = p.Offset + p.Limit
	}
	return window[p.Offset:end]
}

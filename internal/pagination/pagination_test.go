package pagination

import (
	"math"
	"net/url"
	"slices"
	"testing"
)

func TestGetPaginationParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
		opts  []PaginationOption
		want  Params
	}{
		{"defaults", "", nil, Params{Page: 1, Limit: 0, Offset: 0, Sort: "newest"}},
		{"page and limit", "page=3&limit=20", nil, Params{Page: 3, Limit: 20, Offset: 40, Sort: "newest"}},
		{"limit capped", "limit=1000", nil, Params{Page: 1, Limit: MaxLimit, Offset: 0, Sort: "newest"}},
		{"invalid values ignored", "page=-1&limit=abc&sort=random", nil, Params{Page: 1, Limit: 0, Offset: 0, Sort: "newest"}},
		{"asc alias", "sort=asc", nil, Params{Page: 1, Sort: "oldest"}},
		{"default limit option", "page=2", []PaginationOption{WithDefaultLimit(10), WithDefaultSort("oldest")}, Params{Page: 2, Limit: 10, Offset: 10, Sort: "oldest"}},
		{"huge page clamped", "page=92233720368547760&limit=100", nil, Params{Page: math.MaxInt / 100, Limit: 100, Offset: (math.MaxInt/100 - 1) * 100, Sort: "newest"}},
		{"bad default sort ignored", "", []PaginationOption{WithDefaultSort("sideways")}, Params{Page: 1, Sort: "newest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got := GetPaginationParams(q, tt.opts...)
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	tests := []struct {
		name   string
		params Params
		want   []int
	}{
		{"unpaged", Params{Sort: "newest"}, []int{5, 4, 3, 2, 1}},
		{"first page", Params{Limit: 2, Offset: 0, Sort: "newest"}, []int{5, 4}},
		{"last partial page", Params{Limit: 2, Offset: 4, Sort: "newest"}, []int{1}},
		{"past the end", Params{Limit: 2, Offset: 10, Sort: "newest"}, []int{}},
		{"oldest first", Params{Limit: 3, Offset: 0, Sort: "oldest"}, []int{1, 2, 3}},
		{"negative offset", Params{Limit: 2, Offset: -4, Sort: "newest"}, []int{}},
		{"limit near max int", Params{Limit: math.MaxInt, Offset: 3, Sort: "newest"}, []int{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(items, &tt.params)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Apply = %v, want %v", got, tt.want)
			}
		})
	}
	if !slices.Equal(items, []int{5, 4, 3, 2, 1}) {
		t.Errorf("input modified: %v", items)
	}
}

func TestGetHasNext(t *testing.T) {
	if !GetHasNext(0, 10, 11) {
		t.Error("expected next page")
	}
	if GetHasNext(10, 10, 20) {
		t.Error("unexpected next page")
	}
	if GetHasNext(0, 0, 50) {
		t.Error("unpaged results have no next page")
	}
	if GetHasNext(math.MaxInt-100, 100, 5) {
		t.Error("unexpected next page far past the end")
	}
}

package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchQueryNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   SearchQuery
		want SearchQuery
	}{
		{
			name: "defaults",
			in:   SearchQuery{Zipcode: "85048"},
			want: SearchQuery{Zipcode: "85048", Limit: 50, SortBy: SortByLastUpdated, SortOrder: SortDesc},
		},
		{
			name: "explicit_values_kept",
			in:   SearchQuery{Zipcode: "85048", Skip: 20, Limit: 10, SortBy: SortByCurrentPrice, SortOrder: SortAsc},
			want: SearchQuery{Zipcode: "85048", Skip: 20, Limit: 10, SortBy: SortByCurrentPrice, SortOrder: SortAsc},
		},
		{
			name: "oversized_limit_clamped",
			in:   SearchQuery{Zipcode: "85048", Limit: 5000},
			want: SearchQuery{Zipcode: "85048", Limit: 50, SortBy: SortByLastUpdated, SortOrder: SortDesc},
		},
		{
			name: "negative_skip_zeroed",
			in:   SearchQuery{Zipcode: "85048", Skip: -5, Limit: 10},
			want: SearchQuery{Zipcode: "85048", Limit: 10, SortBy: SortByLastUpdated, SortOrder: SortDesc},
		},
		{
			name: "unknown_sort_falls_back",
			in:   SearchQuery{Zipcode: "85048", Limit: 10, SortBy: SortField("bedrooms")},
			want: SearchQuery{Zipcode: "85048", Limit: 10, SortBy: SortByLastUpdated, SortOrder: SortDesc},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

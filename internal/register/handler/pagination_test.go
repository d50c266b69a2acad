package handler

import (
	"math"
	"testing"
)

func TestPage_linkHeader(t *testing.T) {
	tests := []struct {
		name  string
		p     page
		count int64
		want  string
	}{
		{"single page", page{start: 0, limit: 50}, 10, ""},
		{"first page", page{start: 0, limit: 10}, 25, `<?start=10&limit=10>; rel="next"`},
		{"middle page", page{start: 10, limit: 10}, 25, `<?start=0&limit=10>; rel="previous",<?start=20&limit=5>; rel="next"`},
		{"last page", page{start: 20, limit: 10}, 25, `<?start=10&limit=10>; rel="previous"`},
		{"previous clamps to zero", page{start: 3, limit: 10}, 5, `<?start=0&limit=10>; rel="previous"`},
		{"huge limit has no next", page{start: 1, limit: math.MaxInt64}, 25, `<?start=0&limit=9223372036854775807>; rel="previous"`},
		{"huge start has no next", page{start: math.MaxInt64, limit: 10}, 25, `<?start=9223372036854775797&limit=10>; rel="previous"`},
		{"start past end", page{start: 30, limit: 10}, 25, `<?start=20&limit=10>; rel="previous"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.linkHeader(tc.count); got != tc.want {
				t.Errorf("linkHeader(%d) = %q, want %q", tc.count, got, tc.want)
			}
		})
	}
}

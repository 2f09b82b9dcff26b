package tarstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// nestedLocations spreads the five fixture partitions over a small tree.
var nestedLocations = []string{
	"tables/a/date=2022-04-01/adam.parquet",
	"tables/a/date=2022-04-02/adam.parquet",
	"tables/b/date=2022-04-03/adam.parquet",
	"top/date=2022-04-04/adam.parquet",
	"date=2022-04-05/adam.parquet",
}

func listed(s *Store, prefix string) []string {
	var out []string
	for meta := range s.List(prefix) {
		out = append(out, meta.Location)
	}
	return out
}

func TestListStrictDescendants(t *testing.T) {
	t.Parallel()

	s := newStore(t, newFixture(t), nestedLocations)

	tests := []struct {
		prefix string
		want   []string
	}{
		{"", nestedLocations},
		{"/", nestedLocations},
		{"tables", nestedLocations[:3]},
		{"tables/", nestedLocations[:3]},
		{"tables/a", nestedLocations[:2]},
		{"top/date=2022-04-04", nestedLocations[3:4]},
		{"tab", nil},
		{"tables/a/date=2022-04-01/adam.parquet", nil},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, listed(s, tt.prefix))
		})
	}
}

func TestListStopsEarly(t *testing.T) {
	t.Parallel()

	s := newStore(t, newFixture(t), nestedLocations)

	n := 0
	for range s.List("") {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestListWithDelimiter(t *testing.T) {
	t.Parallel()

	s := newStore(t, newFixture(t), nestedLocations)

	tests := []struct {
		prefix   string
		prefixes []string
		objects  []string
	}{
		{"", []string{"date=2022-04-05", "tables", "top"}, nil},
		{"tables", []string{"tables/a", "tables/b"}, nil},
		{"tables/a/", []string{"tables/a/date=2022-04-01", "tables/a/date=2022-04-02"}, nil},
		{"tables/a/date=2022-04-02", nil, []string{"tables/a/date=2022-04-02/adam.parquet"}},
		{"date=2022-04-05", nil, []string{"date=2022-04-05/adam.parquet"}},
		{"missing", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			t.Parallel()

			res := s.ListWithDelimiter(tt.prefix)
			assert.NotNil(t, res.CommonPrefixes)
			assert.NotNil(t, res.Objects)

			if tt.prefixes == nil {
				assert.Empty(t, res.CommonPrefixes)
			} else {
				assert.Equal(t, tt.prefixes, res.CommonPrefixes)
			}

			var objects []string
			for _, meta := range res.Objects {
				objects = append(objects, meta.Location)
				assert.Equal(t, uint64(100), meta.Size)
			}
			assert.Equal(t, tt.objects, objects)
		})
	}
}

func TestListWithDelimiterCoversList(t *testing.T) {
	t.Parallel()

	s := newStore(t, newFixture(t), nestedLocations)

	// Every listed object is either returned directly or lies under exactly
	// one common prefix.
	res := s.ListWithDelimiter("tables")
	for _, loc := range listed(s, "tables") {
		covered := 0
		for _, p := range res.CommonPrefixes {
			if len(loc) > len(p) && loc[:len(p)+1] == p+"/" {
				covered++
			}
		}
		for _, meta := range res.Objects {
			if meta.Location == loc {
				covered++
			}
		}
		assert.Equal(t, 1, covered, loc)
	}
}

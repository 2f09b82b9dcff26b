package tarstore

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tarstore/index"
)

func entry(t *testing.T, path string, offset uint64) Entry {
	t.Helper()
	d, ok := index.DateFromPath(path)
	require.True(t, ok, path)
	return Entry{Path: path, Offset: offset, Size: 10, Date: d}
}

func TestMapLocationsFirstMatchWins(t *testing.T) {
	t.Parallel()

	idx := index.New([]Entry{
		entry(t, "a/date=2022-04-01/adam.parquet", 512),
		entry(t, "b/date=2022-04-01/adam.parquet", 1536),
		entry(t, "a/date=2022-04-02/adam.parquet", 2560),
	}, "", "test")

	m := MapLocations(idx, []string{"date=2022-04-01/adam.parquet"}, "", nil)
	e, ok := m.Lookup("date=2022-04-01/adam.parquet")
	require.True(t, ok)
	assert.Equal(t, uint64(512), e.Offset)

	// The prefix narrows the candidates before the first match is taken.
	m = MapLocations(idx, []string{"date=2022-04-01/adam.parquet"}, "b/", nil)
	e, ok = m.Lookup("date=2022-04-01/adam.parquet")
	require.True(t, ok)
	assert.Equal(t, uint64(1536), e.Offset)
}

func TestMapLocationsMatchesDateNotFileName(t *testing.T) {
	t.Parallel()

	idx := index.New([]Entry{
		entry(t, "date=2022-04-01/adam.parquet", 512),
	}, "", "test")

	m := MapLocations(idx, []string{"date=2022-04-01/other.parquet"}, "", nil)
	e, ok := m.Lookup("date=2022-04-01/other.parquet")
	require.True(t, ok)
	assert.Equal(t, "date=2022-04-01/adam.parquet", e.Path)
}

func TestMapLocationsSkipsUnmatched(t *testing.T) {
	t.Parallel()

	idx := index.New([]Entry{
		entry(t, "a/date=2022-04-01/adam.parquet", 512),
	}, "", "test")

	m := MapLocations(idx, []string{
		"date=2022-04-02/adam.parquet", // no entry for the date
		"adam.parquet",                 // no partition token
		"date=2022-4-1/adam.parquet",   // malformed token
		"date=2022-04-01",              // token needs a trailing segment
	}, "", nil)
	assert.Equal(t, 0, m.Len())

	m = MapLocations(idx, []string{"date=2022-04-01/adam.parquet"}, "z/", nil)
	assert.Equal(t, 0, m.Len())
}

func TestMapLocationsOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	idx := index.New([]Entry{
		entry(t, "date=2022-04-01/adam.parquet", 512),
		entry(t, "date=2022-04-02/adam.parquet", 1536),
		entry(t, "date=2022-04-03/adam.parquet", 2560),
	}, "", "test")

	m := MapLocations(idx, []string{
		"date=2022-04-03/adam.parquet",
		"/date=2022-04-01/adam.parquet",
		"date=2022-04-02/adam.parquet",
		"date=2022-04-01/adam.parquet",
	}, "", nil)

	want := []string{
		"date=2022-04-01/adam.parquet",
		"date=2022-04-02/adam.parquet",
		"date=2022-04-03/adam.parquet",
	}
	assert.Equal(t, want, m.Locations())

	var seen []string
	for loc, e := range m.All() {
		seen = append(seen, loc)
		assert.Contains(t, e.Path, loc[len("date="):len("date=2022-04-01")])
	}
	assert.Equal(t, want, seen)

	locs := m.Locations()
	locs[0] = "mutated"
	assert.True(t, slices.Equal(want, m.Locations()))
}

package tarstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/tarstore/internal/testutil"
)

// memSource adapts testutil.MockByteSource to Source.
type memSource struct {
	*testutil.MockByteSource
}

func (m memSource) Open() (SourceReader, error) {
	r, err := m.OpenReader()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newMemSource(data []byte) memSource {
	return memSource{testutil.NewMockByteSource(data)}
}

// fixture is a five day export archive under "export/" with 100 byte
// partitions starting 2022-04-01.
type fixture struct {
	files []testutil.TarFile
	data  []byte
	src   memSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	files := testutil.Partitions(t, "export/", "2022-04-01", 5, 100, "adam.parquet")
	data := testutil.BuildTar(t, files)
	return &fixture{files: files, data: data, src: newMemSource(data)}
}

// locations returns the default locations for the inclusive date range.
func locations(t *testing.T, start, end string) []string {
	t.Helper()

	s, err := ParseDate(start)
	require.NoError(t, err)
	e, err := ParseDate(end)
	require.NoError(t, err)
	locs, err := LocationsForDateRange(s, e)
	require.NoError(t, err)
	return locs
}

// newStore builds a store over f for the given locations.
func newStore(t *testing.T, f *fixture, locs []string, opts ...Option) *Store {
	t.Helper()

	opts = append([]Option{WithPrefix("export/")}, opts...)
	s, err := New(context.Background(), locs, f.src, opts...)
	require.NoError(t, err)
	return s
}

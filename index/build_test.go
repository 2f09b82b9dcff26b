package index

import (
	"archive/tar"
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
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

func TestBuildRecordsPayloadOffsets(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "export/", "2022-04-01", 5, 100, "adam.parquet")
	data := testutil.BuildTar(t, files)
	src := newMemSource(data)

	idx, err := Build(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 5, idx.Len())

	first := idx.At(0)
	assert.Equal(t, "export/date=2022-04-01/adam.parquet", first.Path)
	assert.Equal(t, uint64(512), first.Offset)
	assert.Equal(t, uint64(100), first.Size)

	for i, e := range slices.Collect(idx.Entries()) {
		assert.LessOrEqual(t, e.Offset+e.Size, uint64(len(data)), e.Path)
		assert.Equal(t, files[i].Data, data[e.Offset:e.Offset+e.Size], e.Path)
		assert.Equal(t, files[i].ModTime.Unix(), e.ModTime)
		assert.Equal(t, i, int(e.Date-first.Date))
	}
	assert.Equal(t, src.SourceID(), idx.SourceID())
	assert.Equal(t, int64(0), src.Outstanding())
}

func TestBuildSortsByDateStable(t *testing.T) {
	t.Parallel()

	files := []testutil.TarFile{
		{Name: "date=2022-04-03/a", Data: []byte("a")},
		{Name: "date=2022-04-01/b", Data: []byte("b")},
		{Name: "date=2022-04-03/c", Data: []byte("c")},
		{Name: "date=2022-04-02/d", Data: []byte("d")},
		{Name: "date=2022-04-01/e", Data: []byte("e")},
	}
	idx, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, files)))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"date=2022-04-01/b",
		"date=2022-04-01/e",
		"date=2022-04-02/d",
		"date=2022-04-03/a",
		"date=2022-04-03/c",
	}, paths(idx))

	d, err := ParseDate("2022-04-03")
	require.NoError(t, err)
	var onDay []string
	for e := range idx.EntriesOn(d) {
		onDay = append(onDay, e.Path)
	}
	assert.Equal(t, []string{"date=2022-04-03/a", "date=2022-04-03/c"}, onDay)
}

func TestBuildSkipsNonRegularEntries(t *testing.T) {
	t.Parallel()

	files := []testutil.TarFile{
		{Name: "export/", Typeflag: tar.TypeDir},
		{Name: "export/date=2022-04-01/", Typeflag: tar.TypeDir},
		{Name: "export/date=2022-04-01/adam.parquet", Data: []byte("PAR1")},
		{Name: "export/latest", Data: []byte("export/date=2022-04-01/adam.parquet"), Typeflag: tar.TypeSymlink},
	}
	idx, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, files)))
	require.NoError(t, err)
	assert.Equal(t, []string{"export/date=2022-04-01/adam.parquet"}, paths(idx))
}

func TestBuildMissingDateIsCorrupt(t *testing.T) {
	t.Parallel()

	files := []testutil.TarFile{
		{Name: "export/date=2022-04-01/adam.parquet", Data: []byte("x")},
		{Name: "export/undated/adam.parquet", Data: []byte("y")},
	}
	idx, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, files)))
	require.ErrorIs(t, err, ErrArchiveCorrupt)
	assert.Nil(t, idx)
	assert.Contains(t, err.Error(), "export/undated/adam.parquet")
}

func TestBuildInvalidCalendarDateIsCorrupt(t *testing.T) {
	t.Parallel()

	files := []testutil.TarFile{{Name: "date=2022-13-40/adam.parquet", Data: []byte("x")}}
	_, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, files)))
	require.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestBuildNamePrefixScopesCatalogue(t *testing.T) {
	t.Parallel()

	files := append(
		[]testutil.TarFile{{Name: "README", Data: []byte("no date here")}},
		testutil.Partitions(t, "export/", "2022-04-01", 3, 10, "adam.parquet")...,
	)
	files = append(files, testutil.Partitions(t, "scratch/", "2022-04-01", 2, 10, "adam.parquet")...)
	src := newMemSource(testutil.BuildTar(t, files))

	_, err := Build(context.Background(), src)
	require.ErrorIs(t, err, ErrArchiveCorrupt)

	idx, err := Build(context.Background(), src, WithNamePrefix("export/"))
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, "export/", idx.Prefix())

	idx, err = Build(context.Background(), src, WithNamePrefix("missing/"))
	require.NoError(t, err)
	assert.Zero(t, idx.Len())
}

func TestBuildSkipsCorruptHeader(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 3, 100, "adam.parquet")
	data := testutil.BuildTar(t, files)

	// Break the checksum of the second header.
	header := testutil.PayloadOffset(files, 1) - 512
	data[header] ^= 0xff

	idx, err := Build(context.Background(), newMemSource(data))
	require.NoError(t, err)
	assert.Equal(t, []string{files[0].Name, files[2].Name}, paths(idx))

	e := idx.At(1)
	assert.Equal(t, files[2].Data, data[e.Offset:e.Offset+e.Size])
}

func TestBuildResumesPastZeroPayload(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 3, 100, "adam.parquet")
	files[0].Data = make([]byte, 2048)
	data := testutil.BuildTar(t, files)

	// Break the checksum of the first header, whose payload is all zeros.
	data[0] ^= 0xff

	idx, err := Build(context.Background(), newMemSource(data))
	require.NoError(t, err)
	require.Equal(t, []string{files[1].Name, files[2].Name}, paths(idx))

	for i, want := range files[1:] {
		e := idx.At(i)
		assert.Equal(t, uint64(testutil.PayloadOffset(files, i+1)), e.Offset)
		assert.Equal(t, want.Data, data[e.Offset:e.Offset+e.Size])
	}
}

func TestBuildCorruptLastHeader(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 3, 100, "adam.parquet")
	data := testutil.BuildTar(t, files)
	data[testutil.PayloadOffset(files, 2)-512] ^= 0xff

	idx, err := Build(context.Background(), newMemSource(data))
	require.NoError(t, err)
	assert.Equal(t, []string{files[0].Name, files[1].Name}, paths(idx))
}

func TestBuildDropsTruncatedEntry(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 3, 100, "adam.parquet")
	data := testutil.BuildTar(t, files)
	data = data[:testutil.PayloadOffset(files, 2)+50]

	idx, err := Build(context.Background(), newMemSource(data))
	require.NoError(t, err)
	assert.Equal(t, []string{files[0].Name, files[1].Name}, paths(idx))
	for e := range idx.Entries() {
		assert.LessOrEqual(t, e.Offset+e.Size, uint64(len(data)))
	}
}

func TestBuildRejectsCompressedArchives(t *testing.T) {
	t.Parallel()

	raw := testutil.BuildTar(t, testutil.Partitions(t, "", "2022-04-01", 1, 10, "adam.parquet"))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	tests := []struct {
		name string
		data []byte
	}{
		{"gzip", gz.Bytes()},
		{"zstd", zst},
		{"bzip2", append([]byte("BZh91AY&SY"), make([]byte, 64)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Build(context.Background(), newMemSource(tt.data))
			require.ErrorIs(t, err, ErrCompressedArchive)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestBuildEmptyArchive(t *testing.T) {
	t.Parallel()

	idx, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, nil)))
	require.NoError(t, err)
	assert.Zero(t, idx.Len())
	assert.Equal(t, Stats{}, idx.Stats())
}

func TestBuildCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := testutil.BuildTar(t, testutil.Partitions(t, "", "2022-04-01", 3, 10, "adam.parquet"))
	idx, err := Build(ctx, newMemSource(data))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, idx)
}

func TestBuildOpenFailure(t *testing.T) {
	t.Parallel()

	src := newMemSource(testutil.BuildTar(t, nil))
	src.FailOpens()
	_, err := Build(context.Background(), src)
	require.ErrorIs(t, err, testutil.ErrOpenFailed)
}

func TestIndexStats(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 4, 25, "adam.parquet")
	idx, err := Build(context.Background(), newMemSource(testutil.BuildTar(t, files)))
	require.NoError(t, err)

	s := idx.Stats()
	assert.Equal(t, 4, s.Entries)
	assert.Equal(t, uint64(100), s.TotalBytes)
	assert.Equal(t, "2022-04-01", s.FirstDate.String())
	assert.Equal(t, "2022-04-04", s.LastDate.String())
}

func paths(idx *Index) []string {
	out := make([]string, 0, idx.Len())
	for e := range idx.Entries() {
		out = append(out, e.Path)
	}
	return out
}

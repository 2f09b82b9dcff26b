package tarstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tarstore/internal/testutil"
)

func TestFileSource(t *testing.T) {
	t.Parallel()

	files := testutil.Partitions(t, "", "2022-04-01", 3, 700, "adam.parquet")
	path := testutil.WriteTar(t, t.TempDir(), "export.tar", files)

	src, err := OpenFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Path())
	assert.NotEmpty(t, src.SourceID())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), src.Size())

	r, err := src.Open()
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = r.ReadAt(buf, testutil.PayloadOffset(files, 1))
	require.NoError(t, err)
	assert.Equal(t, files[1].Data[:4], buf)
	require.NoError(t, r.Close())

	again, err := OpenFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, src.SourceID(), again.SourceID())

	s, err := New(context.Background(), locations(t, "2022-04-01", "2022-04-03"), src)
	require.NoError(t, err)
	got, err := s.GetRange(context.Background(), "date=2022-04-03/adam.parquet", &Range{Start: 600, End: 700})
	require.NoError(t, err)
	assert.Equal(t, files[2].Data[600:], got)
}

func TestFileSourceDetectsResize(t *testing.T) {
	t.Parallel()

	path := testutil.WriteTar(t, t.TempDir(), "export.tar",
		testutil.Partitions(t, "", "2022-04-01", 1, 10, "adam.parquet"))
	src, err := OpenFileSource(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 512))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = src.Open()
	require.ErrorContains(t, err, "changed size")
}

func TestOpenFileSourceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := OpenFileSource(filepath.Join(dir, "missing.tar"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = OpenFileSource(dir)
	require.Error(t, err)
}

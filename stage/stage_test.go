package stage

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tarstore"
	"github.com/meigma/tarstore/internal/testutil"
)

type memSource struct {
	*testutil.MockByteSource
}

func (m memSource) Open() (tarstore.SourceReader, error) {
	r, err := m.OpenReader()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newStore(t *testing.T) (*tarstore.Store, []testutil.TarFile) {
	t.Helper()

	files := testutil.Partitions(t, "", "2022-04-01", 2, 4096, "adam.parquet")
	src := memSource{testutil.NewMockByteSource(testutil.BuildTar(t, files))}
	locs := []string{"date=2022-04-01/adam.parquet", "date=2022-04-02/adam.parquet"}
	s, err := tarstore.New(context.Background(), locs, src)
	require.NoError(t, err)
	return s, files
}

func fixedMemory(n uint64) func(context.Context) (uint64, error) {
	return func(context.Context) (uint64, error) { return n, nil }
}

func readAll(t *testing.T, s *Staged) []byte {
	t.Helper()
	got, err := io.ReadAll(io.NewSectionReader(s, 0, s.Size()))
	require.NoError(t, err)
	return got
}

func TestStageAutoPicksMemory(t *testing.T) {
	t.Parallel()

	store, files := newStore(t)
	st := New(WithAvailableMemory(fixedMemory(1 << 20)))

	staged, err := st.Stage(context.Background(), store, "date=2022-04-01/adam.parquet")
	require.NoError(t, err)
	defer staged.Close()

	assert.Equal(t, KindMemory, staged.Kind())
	assert.Empty(t, staged.Path())
	assert.Equal(t, int64(4096), staged.Size())
	assert.Equal(t, "date=2022-04-01/adam.parquet", staged.Meta().Location)
	assert.Equal(t, files[0].Data, readAll(t, staged))
}

func TestStageAutoPicksFile(t *testing.T) {
	t.Parallel()

	store, files := newStore(t)
	// 4096 bytes exceed a quarter of 8 KiB.
	st := New(WithAvailableMemory(fixedMemory(8<<10)), WithTempDir(t.TempDir()))

	staged, err := st.Stage(context.Background(), store, "date=2022-04-02/adam.parquet")
	require.NoError(t, err)

	assert.Equal(t, KindFile, staged.Kind())
	path := staged.Path()
	assert.FileExists(t, path)
	assert.Equal(t, files[1].Data, readAll(t, staged))

	require.NoError(t, staged.Close())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, staged.Close())
}

func TestStageMemoryFraction(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	st := New(WithAvailableMemory(fixedMemory(8<<10)), WithMemoryFraction(0.5))

	staged, err := st.Stage(context.Background(), store, "date=2022-04-01/adam.parquet")
	require.NoError(t, err)
	defer staged.Close()
	assert.Equal(t, KindMemory, staged.Kind())
}

func TestStageUnknownMemoryUsesFile(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	st := New(
		WithAvailableMemory(func(context.Context) (uint64, error) { return 0, errors.New("no meminfo") }),
		WithTempDir(t.TempDir()),
	)

	staged, err := st.Stage(context.Background(), store, "date=2022-04-01/adam.parquet")
	require.NoError(t, err)
	defer staged.Close()
	assert.Equal(t, KindFile, staged.Kind())
}

func TestStageForcedKind(t *testing.T) {
	t.Parallel()

	store, files := newStore(t)
	for _, kind := range []Kind{KindMemory, KindFile} {
		st := New(WithKind(kind), WithTempDir(t.TempDir()), WithAvailableMemory(fixedMemory(0)))
		staged, err := st.Stage(context.Background(), store, "date=2022-04-02/adam.parquet")
		require.NoError(t, err, kind.String())
		assert.Equal(t, kind, staged.Kind())
		assert.Equal(t, files[1].Data, readAll(t, staged))
		require.NoError(t, staged.Close())
	}
}

func TestStageNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	_, err := New().Stage(context.Background(), store, "date=2022-05-01/adam.parquet")
	require.ErrorIs(t, err, tarstore.ErrNotFound)
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "auto", KindAuto.String())
	assert.Equal(t, "memory", KindMemory.String())
	assert.Equal(t, "file", KindFile.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tarstore"
	"github.com/meigma/tarstore/internal/testutil"
)

type cli struct {
	archive string
	cache   string
	files   []testutil.TarFile
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	files := testutil.Partitions(t, "export/", "2022-04-01", 3, 300, "adam.parquet")
	files[0].Data = append(append([]byte("PAR1"), files[0].Data[8:]...), []byte("PAR1")...)
	dir := t.TempDir()
	return &cli{
		archive: testutil.WriteTar(t, dir, "export.tar", files),
		cache:   filepath.Join(dir, "cache"),
		files:   files,
	}
}

func (c *cli) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	full := append([]string{args[0],
		"--cache-dir", c.cache,
		"--prefix", "export/",
		"--start", "2022-04-01",
		"--end", "2022-04-03",
		"--log-level", "warn",
	}, args[1:]...)
	full = append(full, c.archive)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestIndexCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, _, err := c.run(t, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "3 entries")
	assert.Contains(t, out, "2022-04-01 to 2022-04-03")

	entries, err := os.ReadDir(c.cache)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, errOut, err := c.run(t, "index")
	require.NoError(t, err)
	assert.Contains(t, errOut, "index loaded from cache")

	_, errOut, err = c.run(t, "index", "--force", "--cache-format", "binary")
	require.NoError(t, err)
	assert.Contains(t, errOut, ".idx")
}

func TestListCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, _, err := c.run(t, "ls")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "date=2022-04-01/adam.parquet"))

	out, _, err = c.run(t, "ls", "-d")
	require.NoError(t, err)
	assert.Contains(t, out, "PRE  date=2022-04-02/")
}

func TestHeadCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, _, err := c.run(t, "head", "date=2022-04-02/adam.parquet")
	require.NoError(t, err)

	var meta tarstore.ObjectMeta
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	assert.Equal(t, uint64(300), meta.Size)
	assert.Equal(t, "date=2022-04-02/adam.parquet", meta.Location)

	_, _, err = c.run(t, "head", "date=2022-05-02/adam.parquet")
	require.ErrorIs(t, err, tarstore.ErrNotFound)
}

func TestGetCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, _, err := c.run(t, "get", "--range", "10-20", "date=2022-04-03/adam.parquet")
	require.NoError(t, err)
	assert.Equal(t, string(c.files[2].Data[10:20]), out)

	dest := filepath.Join(t.TempDir(), "obj")
	_, _, err = c.run(t, "get", "-o", dest, "date=2022-04-03/adam.parquet")
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, c.files[2].Data, got)

	_, _, err = c.run(t, "get", "--range", "0-301", "date=2022-04-03/adam.parquet")
	require.ErrorIs(t, err, tarstore.ErrOutOfRange)
}

func TestExtractCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	dest := t.TempDir()
	out, _, err := c.run(t, "extract", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "extracted 3 objects")

	got, err := os.ReadFile(filepath.Join(dest, "date=2022-04-02", "adam.parquet"))
	require.NoError(t, err)
	assert.Equal(t, c.files[1].Data, got)
}

func TestPeekCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out, _, err := c.run(t, "peek", "--stage", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "date=2022-04-01/adam.parquet")
	assert.Contains(t, out, "staged in memory, parquet framing: true")

	out, _, err = c.run(t, "peek", "--stage", "file", "--location", "date=2022-04-02/adam.parquet")
	require.NoError(t, err)
	assert.Contains(t, out, "staged in file, parquet framing: false")
}

func TestCorruptArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := testutil.WriteTar(t, dir, "bad.tar", []testutil.TarFile{
		{Name: "export/undated/adam.parquet", Data: []byte("x")},
	})
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"index", "--no-cache", archive}, &stdout, &stderr)
	require.ErrorIs(t, err, tarstore.ErrArchiveCorrupt)
}

func TestUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	require.Error(t, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Commands:")

	require.NoError(t, run(context.Background(), []string{"help"}, &stdout, &stderr))
	require.NoError(t, run(context.Background(), []string{"ls", "--help"}, &stdout, &stderr))
	require.Error(t, run(context.Background(), []string{"frobnicate"}, &stdout, &stderr))

	err := run(context.Background(), []string{"ls", "--start", "2022-04-01"}, &stdout, &stderr)
	require.ErrorContains(t, err, "invalid configuration")
}

func TestRemoteArchiveUsesBlockCache(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	data, err := os.ReadFile(c.archive)
	require.NoError(t, err)

	var payloadReads atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") != "bytes=0-0" {
			payloadReads.Add(1)
		}
		http.ServeContent(w, r, "export.tar", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	c.archive = server.URL

	out, _, err := c.run(t, "get", "--range", "10-20", "date=2022-04-03/adam.parquet")
	require.NoError(t, err)
	assert.Equal(t, string(c.files[2].Data[10:20]), out)
	assert.Equal(t, int64(1), payloadReads.Load(), "the archive fits in one block")

	blocks, err := os.ReadDir(filepath.Join(c.cache, "blocks"))
	require.NoError(t, err)
	assert.NotEmpty(t, blocks)

	out, _, err = c.run(t, "get", "--range", "100-110", "date=2022-04-02/adam.parquet")
	require.NoError(t, err)
	assert.Equal(t, string(c.files[1].Data[100:110]), out)
	assert.Equal(t, int64(1), payloadReads.Load(), "second run is served from the block cache")

	out, _, err = c.run(t, "get", "--no-cache", "--range", "0-4", "date=2022-04-02/adam.parquet")
	require.NoError(t, err)
	assert.Equal(t, string(c.files[1].Data[0:4]), out)
	assert.Greater(t, payloadReads.Load(), int64(1), "--no-cache bypasses both caches")
}

package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/meigma/tarstore/internal/sizing"
)

const (
	// maxCacheBytes bounds how much of a cache file is read or decompressed.
	maxCacheBytes = 1 << 30

	cacheDirPerm = 0o750
)

// DefaultCacheDir returns the cache directory used by the CLI when none is
// configured.
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), "tarstore_cache")
}

// CachePath returns the cache file for the UTC day of now.
func CachePath(dir string, f Format, now time.Time) string {
	return filepath.Join(dir, now.UTC().Format("20060102")+f.Ext())
}

// SaveCache writes idx to today's cache file under dir and returns its path.
//
// The directory is created if needed and the file is replaced atomically.
// Every failure wraps ErrCacheUnavailable; callers are expected to log it and
// carry on, since the cache only saves a rescan.
func SaveCache(idx *Index, dir string, opts ...Option) (string, error) {
	cfg := newConfig(opts)
	if dir == "" {
		return "", fmt.Errorf("%w: cache dir is empty", ErrCacheUnavailable)
	}
	if err := os.MkdirAll(dir, cacheDirPerm); err != nil {
		return "", fmt.Errorf("%w: create cache dir: %w", ErrCacheUnavailable, err)
	}

	data, err := encode(catalogueOf(idx), cfg.format)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	path := CachePath(dir, cfg.format, cfg.now())
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrCacheUnavailable, path, err)
	}
	return path, nil
}

// LoadCache reads today's cache file under dir.
//
// It reports false, never an error, when the file is missing, cannot be
// decoded, was written by another layout version, or was built for a
// different name prefix or source (see WithNamePrefix and WithSourceID).
func LoadCache(dir string, opts ...Option) (*Index, bool) {
	cfg := newConfig(opts)
	idx, err := loadCache(dir, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.log().Debug("index cache miss", "dir", dir)
		} else {
			cfg.log().Warn("ignoring unusable index cache", "dir", dir, "error", err)
		}
		return nil, false
	}
	cfg.log().Debug("index cache hit", "dir", dir, "entries", idx.Len())
	return idx, true
}

func loadCache(dir string, cfg *config) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: cache dir is empty", ErrCacheUnavailable)
	}
	path := CachePath(dir, cfg.format, cfg.now())
	f, err := os.Open(path) //nolint:gosec // cache path is derived from configuration
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	defer f.Close()

	data, err := sizing.ReadAllWithLimit(f, maxCacheBytes, errors.New("cache file too large"))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCacheUnavailable, path, err)
	}
	c, err := decode(data, cfg.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, path, err)
	}

	switch {
	case c.Version != catalogueVersion:
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCacheUnavailable, c.Version, catalogueVersion)
	case c.Prefix != cfg.prefix:
		return nil, fmt.Errorf("%w: built for prefix %q, want %q", ErrCacheUnavailable, c.Prefix, cfg.prefix)
	case cfg.sourceID != "" && c.SourceID != cfg.sourceID:
		return nil, fmt.Errorf("%w: built for another archive", ErrCacheUnavailable)
	}
	for _, e := range c.Entries {
		if _, ok := sizing.AddUint64(e.Offset, e.Size); !ok {
			return nil, fmt.Errorf("%w: entry %q overflows", ErrCacheUnavailable, e.Path)
		}
	}
	return newIndex(c.Entries, c.Prefix, c.SourceID, c.Created), nil
}

// LoadOrBuild returns today's cached index for src, or builds one and saves
// it. cached reports whether the cache was used. An empty cacheDir disables
// caching; a failed save is logged and otherwise ignored.
func LoadOrBuild(ctx context.Context, src Source, cacheDir string, opts ...Option) (idx *Index, cached bool, err error) {
	cfg := newConfig(opts)
	if cacheDir != "" {
		loadOpts := append(slices.Clone(opts), WithSourceID(src.SourceID()))
		if idx, ok := LoadCache(cacheDir, loadOpts...); ok {
			return idx, true, nil
		}
	}

	idx, err = Build(ctx, src, opts...)
	if err != nil {
		return nil, false, err
	}

	if cacheDir != "" {
		path, err := SaveCache(idx, cacheDir, opts...)
		if err != nil {
			cfg.log().Warn("index cache not written", "error", err)
		} else {
			cfg.log().Debug("index cache written", "path", path)
		}
	}
	return idx, false, nil
}

// writeFileAtomic writes data to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

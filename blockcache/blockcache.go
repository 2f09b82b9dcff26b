// Package blockcache keeps fixed-size blocks of remote archives on disk.
//
// Scanning a tar archive reads one small header per entry. Over a remote
// Source every header becomes a round trip; a wrapped Source fetches whole
// blocks once and serves later headers from disk.
package blockcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/tarstore/index"
)

const (
	// DefaultBlockSize is the size of each cached block.
	DefaultBlockSize int64 = 64 << 10

	// DefaultMaxBlocksPerRead caps the blocks a single ReadAt may cache.
	// Longer reads go straight to the source.
	DefaultMaxBlocksPerRead = 4

	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Cache is a disk-backed block cache shared by wrapped sources. It is safe
// for concurrent use.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	fetchGroup     singleflight.Group
	pruneMu        sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes limits the total size of cached blocks. Values <= 0 disable
// the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithShardPrefixLen sets the number of hex characters used for
// subdirectory sharding. 0 disables sharding.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions of created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// New opens a block cache rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("block cache dir is empty")
	}
	c := &Cache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("block cache shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		c.maxBytes = 0
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// WrapOption configures a wrapped source.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	blockSize        int64
	maxBlocksPerRead int
}

// WithBlockSize sets the block size for a wrapped source.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *wrapConfig) {
		cfg.blockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache for reads spanning more than n
// blocks. Values <= 0 cache every read.
func WithMaxBlocksPerRead(n int) WrapOption {
	return func(cfg *wrapConfig) {
		cfg.maxBlocksPerRead = n
	}
}

// Wrap returns a Source that reads src through the cache. It keeps src's
// SourceID, so index caches and ETags are unchanged, and honours per-call
// contexts when src does.
func (c *Cache) Wrap(src index.Source, opts ...WrapOption) (*Source, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	cfg := wrapConfig{
		blockSize:        DefaultBlockSize,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.blockSize <= 0 || cfg.blockSize > math.MaxInt32 {
		return nil, fmt.Errorf("block cache: invalid block size %d", cfg.blockSize)
	}
	sourceID := src.SourceID()
	if sourceID == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &Source{
		src:              src,
		cache:            c,
		sourceID:         sourceID,
		blockSize:        cfg.blockSize,
		maxBlocksPerRead: cfg.maxBlocksPerRead,
	}, nil
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current size of cached blocks.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes the oldest blocks until the cache is at or below
// targetBytes and returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, max(targetBytes, 0))
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// block returns one block, from disk when present and from fetch otherwise.
// Concurrent requests for the same block share one fetch.
func (c *Cache) block(sourceID string, blockSize, blockIndex, blockLen int64, fetch func() ([]byte, error)) ([]byte, error) {
	key := blockKey(sourceID, blockSize, blockIndex)
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		path := c.pathForKey(key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a hash
		switch {
		case err == nil && int64(len(data)) == blockLen:
			return data, nil
		case err == nil:
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		data, err = fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != blockLen {
			return nil, io.ErrUnexpectedEOF
		}
		_ = c.writeBlock(path, data) //nolint:errcheck // a failed write only costs a refetch
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // Do returns what the closure returned
}

func (c *Cache) writeBlock(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if ok, err := c.ensureCapacity(int64(len(data))); err != nil || !ok {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

func (c *Cache) pathForKey(key string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, key)
	}
	return filepath.Join(c.dir, key[:min(c.shardPrefixLen, len(key))], key)
}

func blockKey(sourceID string, blockSize, blockIndex int64) string {
	h := sha256.New()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(blockSize))  //nolint:gosec // validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(blockIndex)) //nolint:gosec // never negative
	_, _ = h.Write(buf[:])                                  //nolint:errcheck // hash writes never fail

	return hex.EncodeToString(h.Sum(nil))
}

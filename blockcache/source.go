package blockcache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/tarstore/index"
)

// Source is an index.Source whose reads go through a Cache.
type Source struct {
	src              index.Source
	cache            *Cache
	sourceID         string
	blockSize        int64
	maxBlocksPerRead int
}

// Interface compliance.
var _ index.ContextSource = (*Source)(nil)

// Open returns a cached reader over the wrapped source.
func (s *Source) Open() (index.SourceReader, error) {
	return s.OpenContext(context.Background())
}

// OpenContext returns a cached reader whose misses are fetched with ctx.
func (s *Source) OpenContext(ctx context.Context) (index.SourceReader, error) {
	r, err := index.OpenReader(ctx, s.src)
	if err != nil {
		return nil, err
	}
	return &reader{s: s, r: r}, nil
}

// Size returns the size of the wrapped source.
func (s *Source) Size() int64 {
	return s.src.Size()
}

// SourceID returns the wrapped source's identity.
func (s *Source) SourceID() string {
	return s.sourceID
}

// reader serves block-aligned reads from the cache and fetches misses from
// its own reader of the wrapped source.
type reader struct {
	s *Source
	r index.SourceReader
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	s := r.s
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}

	expected := min(int64(len(p)), size-off)
	startBlock := off / s.blockSize
	endBlock := (off + expected - 1) / s.blockSize
	if s.maxBlocksPerRead > 0 && endBlock-startBlock+1 > int64(s.maxBlocksPerRead) {
		return r.r.ReadAt(p, off)
	}

	var n int64
	for blockIndex := startBlock; blockIndex <= endBlock; blockIndex++ {
		blockStart := blockIndex * s.blockSize
		blockEnd := min(blockStart+s.blockSize, size)
		blockLen := blockEnd - blockStart

		data, err := s.cache.block(s.sourceID, s.blockSize, blockIndex, blockLen, func() ([]byte, error) {
			return r.fetch(blockStart, blockLen)
		})
		if err != nil {
			return int(n), err
		}

		from := max(off, blockStart)
		to := min(off+expected, blockEnd)
		n += int64(copy(p[from-off:to-off], data[from-blockStart:to-blockStart]))
	}

	if expected < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (r *reader) fetch(off, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.r.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(n) != length {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

func (r *reader) Close() error {
	return r.r.Close()
}

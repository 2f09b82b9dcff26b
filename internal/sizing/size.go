// Package sizing provides overflow-checked size arithmetic for archive offsets.
package sizing

import (
	"io"
	"math"
)

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Window translates the half-open range [start, end) of an object stored at
// base with the given size into an absolute offset and length.
// ok is false when the range is inverted, exceeds size, or overflows.
func Window(base, size, start, end uint64) (off, length int64, ok bool) {
	if start > end || end > size {
		return 0, 0, false
	}
	abs, ok := AddUint64(base, start)
	if !ok || abs > math.MaxInt64 || end-start > math.MaxInt64 {
		return 0, 0, false
	}
	if _, ok := AddUint64(abs, end-start); !ok {
		return 0, 0, false
	}
	return int64(abs), int64(end - start), true
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	lr := &io.LimitedReader{R: r, N: int64(maxSize) + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize {
		return nil, overflowErr
	}
	return data, nil
}

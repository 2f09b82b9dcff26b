package tarstore

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/meigma/tarstore/index"
)

// Store errors. Operations return them wrapped in *fs.PathError, so match
// them with errors.Is.
var (
	// ErrNotFound is returned when a location is not served by the store.
	// It matches fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("tarstore: object not found: %w", fs.ErrNotExist)

	// ErrOutOfRange is returned when a byte range exceeds the object.
	ErrOutOfRange = errors.New("tarstore: range out of bounds")

	// ErrUnsupported is returned by every write operation. It matches
	// errors.ErrUnsupported.
	ErrUnsupported = fmt.Errorf("tarstore: store is read-only: %w", errors.ErrUnsupported)
)

// Errors re-exported from index.
var (
	// ErrArchiveCorrupt is returned when an archive file has no parseable
	// partition date. Building the store fails as a whole.
	ErrArchiveCorrupt = index.ErrArchiveCorrupt

	// ErrCompressedArchive is returned for gzip, zstd, bzip2 or xz archives.
	ErrCompressedArchive = index.ErrCompressedArchive

	// ErrCacheUnavailable wraps index cache read and write failures.
	ErrCacheUnavailable = index.ErrCacheUnavailable

	// ErrInvalidDateRange is returned when a date range starts after it ends.
	ErrInvalidDateRange = index.ErrInvalidDateRange
)

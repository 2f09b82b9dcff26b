package index

import "errors"

var (
	// ErrArchiveCorrupt is returned when an archive entry has no parseable
	// partition date. The whole build is abandoned.
	ErrArchiveCorrupt = errors.New("index: archive corrupt")

	// ErrCompressedArchive is returned when the archive is gzip, zstd, bzip2
	// or xz compressed. Only uncompressed tar supports byte-range addressing.
	ErrCompressedArchive = errors.New("index: compressed archives are not supported")

	// ErrCacheUnavailable wraps every failure to read or write the index cache.
	ErrCacheUnavailable = errors.New("index: cache unavailable")

	// ErrInvalidDateRange is returned when a date range starts after it ends.
	ErrInvalidDateRange = errors.New("index: invalid date range")
)

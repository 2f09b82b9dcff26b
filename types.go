package tarstore

import (
	"fmt"
	"time"

	"github.com/meigma/tarstore/index"
)

// Re-export index types for the public API.
type (
	// Entry describes one regular file stored in the archive.
	Entry = index.Entry

	// Index is the date-ordered catalogue of archive entries.
	Index = index.Index

	// Date is a time zone free calendar date.
	Date = index.Date

	// Source opens independent readers over the archive.
	Source = index.Source

	// ContextSource is a Source whose readers honour a per-call context.
	ContextSource = index.ContextSource

	// SourceReader is a random-access reader returned by Source.Open.
	SourceReader = index.SourceReader

	// CacheFormat selects the index cache encoding.
	CacheFormat = index.Format
)

// Re-export cache formats.
const (
	CacheJSON   = index.FormatJSON
	CacheBinary = index.FormatBinary
)

// Re-export date and location helpers.
var (
	ParseDate             = index.ParseDate
	LocationsForDateRange = index.LocationsForDateRange
	WithFileName          = index.WithFileName
	DefaultCacheDir       = index.DefaultCacheDir
)

// DefaultScheme is the base URI scheme under which a query engine registers
// the store.
const DefaultScheme = "tar+pq://"

// ObjectMeta describes one object served by the store.
type ObjectMeta struct {
	// Location is the logical path of the object.
	Location string `json:"location"`

	// Size is the object length in bytes.
	Size uint64 `json:"size"`

	// ModTime is the modification time recorded in the archive.
	ModTime time.Time `json:"last_modified"`

	// ETag identifies the object content within this archive.
	ETag string `json:"etag"`

	// Date is the partition date of the backing archive entry.
	Date Date `json:"date"`
}

// ListResult is one level of a hierarchical listing.
type ListResult struct {
	// CommonPrefixes are the child "directories" of the listed prefix,
	// sorted and without a trailing slash.
	CommonPrefixes []string `json:"common_prefixes"`

	// Objects are the objects directly below the listed prefix.
	Objects []ObjectMeta `json:"objects"`
}

// Range is a half-open byte range [Start, End) within an object.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range, or 0 if it is inverted.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// String formats the range as [start, end).
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

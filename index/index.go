package index

import (
	"context"
	"io"
	"iter"
	"slices"
	"sort"
	"time"
)

// Entry describes one regular file stored in the archive.
type Entry struct {
	// Path is the archive-internal file name.
	Path string `json:"path"`

	// Offset is the absolute position of the file payload in the archive.
	Offset uint64 `json:"offset"`

	// Size is the payload length in bytes.
	Size uint64 `json:"size"`

	// ModTime is the modification time from the tar header, in epoch seconds.
	ModTime int64 `json:"mtime"`

	// Date is the partition date extracted from Path.
	Date Date `json:"date"`
}

// ModTimeUTC returns the modification time as a time.Time in UTC.
func (e Entry) ModTimeUTC() time.Time {
	return time.Unix(e.ModTime, 0).UTC()
}

// Source provides independent readers over archive bytes.
//
// Every call to Open returns a reader with its own position so concurrent
// callers never share a cursor. SourceID must be stable for unchanged content.
type Source interface {
	Open() (SourceReader, error)
	Size() int64
	SourceID() string
}

// ContextSource is a Source whose readers can be bound to a context, so that
// cancelling it aborts reads in flight. Remote sources implement it.
type ContextSource interface {
	Source
	OpenContext(ctx context.Context) (SourceReader, error)
}

// OpenReader opens src, binding the reader to ctx when src is a
// ContextSource.
func OpenReader(ctx context.Context, src Source) (SourceReader, error) {
	if cs, ok := src.(ContextSource); ok {
		return cs.OpenContext(ctx)
	}
	return src.Open()
}

// SourceReader is a random-access reader over the archive returned by
// Source.Open. Callers must Close it.
type SourceReader interface {
	io.ReaderAt
	io.Closer
}

// Index is an ordered catalogue of archive entries.
//
// Entries are sorted by partition date; entries sharing a date keep their
// archive order. An Index is never modified after construction and is safe
// for concurrent use.
type Index struct {
	entries  []Entry
	prefix   string
	sourceID string
	created  time.Time
}

// newIndex sorts entries by date and takes ownership of the slice.
func newIndex(entries []Entry, prefix, sourceID string, created time.Time) *Index {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date < entries[j].Date
	})
	return &Index{
		entries:  entries,
		prefix:   prefix,
		sourceID: sourceID,
		created:  created.UTC(),
	}
}

// New creates an Index from entries. The slice is copied and sorted.
func New(entries []Entry, prefix, sourceID string) *Index {
	return newIndex(slices.Clone(entries), prefix, sourceID, time.Now())
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// At returns the i-th entry in date order.
func (idx *Index) At(i int) Entry {
	return idx.entries[i]
}

// Entries returns an iterator over all entries in date order.
func (idx *Index) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range idx.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// EntriesOn returns an iterator over the entries whose partition date is d.
func (idx *Index) EntriesOn(d Date) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		start := sort.Search(len(idx.entries), func(i int) bool {
			return idx.entries[i].Date >= d
		})
		for i := start; i < len(idx.entries) && idx.entries[i].Date == d; i++ {
			if !yield(idx.entries[i]) {
				return
			}
		}
	}
}

// Prefix returns the name prefix the catalogue was scoped to.
func (idx *Index) Prefix() string {
	return idx.prefix
}

// SourceID returns the identifier of the archive the catalogue was built from.
func (idx *Index) SourceID() string {
	return idx.sourceID
}

// CreatedAt returns when the catalogue was built.
func (idx *Index) CreatedAt() time.Time {
	return idx.created
}

// Stats summarises an index.
type Stats struct {
	Entries    int
	TotalBytes uint64
	FirstDate  Date
	LastDate   Date
}

// Stats returns the entry count, total payload size and date range.
// FirstDate and LastDate are zero when the index is empty.
func (idx *Index) Stats() Stats {
	s := Stats{Entries: len(idx.entries)}
	for _, e := range idx.entries {
		s.TotalBytes += e.Size
	}
	if len(idx.entries) > 0 {
		s.FirstDate = idx.entries[0].Date
		s.LastDate = idx.entries[len(idx.entries)-1].Date
	}
	return s
}

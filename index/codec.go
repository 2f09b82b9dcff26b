//go:generate flatc --go --go-namespace fb -o internal schema/catalogue.fbs

package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/tarstore/index/internal/fb"
)

// Format identifies the on-disk encoding of a cached index.
type Format uint8

const (
	// FormatJSON stores the catalogue as JSON in <YYYYMMDD>.json.
	FormatJSON Format = iota

	// FormatBinary stores the catalogue as a zstd-compressed FlatBuffers
	// table in <YYYYMMDD>.idx.
	FormatBinary
)

// String returns the name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Ext returns the cache file extension for the format.
func (f Format) Ext() string {
	if f == FormatBinary {
		return ".idx"
	}
	return ".json"
}

// ParseFormat parses "json" or "binary".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "binary", "idx":
		return FormatBinary, nil
	default:
		return 0, fmt.Errorf("unknown cache format %q", s)
	}
}

// catalogueVersion is bumped whenever the cached layout changes.
const catalogueVersion = 1

// catalogue is the persisted form of an Index.
type catalogue struct {
	Version  uint32    `json:"version"`
	SourceID string    `json:"source_id"`
	Prefix   string    `json:"prefix"`
	Created  time.Time `json:"created"`
	Entries  []Entry   `json:"entries"`
}

func catalogueOf(idx *Index) *catalogue {
	return &catalogue{
		Version:  catalogueVersion,
		SourceID: idx.sourceID,
		Prefix:   idx.prefix,
		Created:  idx.created,
		Entries:  idx.entries,
	}
}

func encode(c *catalogue, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(c)
	case FormatBinary:
		return encodeBinary(c)
	default:
		return nil, fmt.Errorf("unknown cache format %d", f)
	}
}

func decode(data []byte, f Format) (*catalogue, error) {
	switch f {
	case FormatJSON:
		var c catalogue
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode json index: %w", err)
		}
		return &c, nil
	case FormatBinary:
		return decodeBinary(data)
	default:
		return nil, fmt.Errorf("unknown cache format %d", f)
	}
}

func encodeBinary(c *catalogue) ([]byte, error) {
	b := flatbuffers.NewBuilder(1024 + 64*len(c.Entries))

	offsets := make([]flatbuffers.UOffsetT, len(c.Entries))
	for i, e := range c.Entries {
		path := b.CreateString(e.Path)
		fb.EntryStart(b)
		fb.EntryAddPath(b, path)
		fb.EntryAddOffset(b, e.Offset)
		fb.EntryAddSize(b, e.Size)
		fb.EntryAddMtime(b, e.ModTime)
		fb.EntryAddDate(b, int32(e.Date))
		offsets[i] = fb.EntryEnd(b)
	}
	fb.CatalogueStartEntriesVector(b, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	entries := b.EndVector(len(offsets))

	sourceID := b.CreateString(c.SourceID)
	prefix := b.CreateString(c.Prefix)
	fb.CatalogueStart(b)
	fb.CatalogueAddVersion(b, c.Version)
	fb.CatalogueAddSourceId(b, sourceID)
	fb.CatalogueAddPrefix(b, prefix)
	fb.CatalogueAddCreated(b, c.Created.UnixNano())
	fb.CatalogueAddEntries(b, entries)
	fb.FinishCatalogueBuffer(b, fb.CatalogueEnd(b))

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b.FinishedBytes(), nil), nil
}

func decodeBinary(data []byte) (c *catalogue, err error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxCacheBytes))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress binary index: %w", err)
	}
	if len(raw) < flatbuffers.SizeUOffsetT {
		return nil, errors.New("binary index is truncated")
	}

	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("parse binary index: %v", r)
		}
	}()

	root := fb.GetRootAsCatalogue(raw, 0)
	c = &catalogue{
		Version:  root.Version(),
		SourceID: string(root.SourceId()),
		Prefix:   string(root.Prefix()),
		Created:  time.Unix(0, root.Created()).UTC(),
		Entries:  make([]Entry, root.EntriesLength()),
	}
	var fe fb.Entry
	for i := range c.Entries {
		if !root.Entries(&fe, i) {
			return nil, fmt.Errorf("binary index entry %d missing", i)
		}
		c.Entries[i] = Entry{
			Path:    string(fe.Path()),
			Offset:  fe.Offset(),
			Size:    fe.Size(),
			ModTime: fe.Mtime(),
			Date:    Date(fe.Date()),
		}
	}
	return c, nil
}

package tarstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"time"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/tarstore/index"
	"github.com/meigma/tarstore/internal/pathutil"
	"github.com/meigma/tarstore/internal/sizing"
	"github.com/meigma/tarstore/metrics"
)

// Store is a read-only object store over the files of a tar archive.
//
// A Store has no mutable state after New returns and is safe for concurrent
// use. Each read opens its own reader from the Source.
type Store struct {
	src       Source
	idx       *Index
	objects   *LocationMap
	scheme    string
	readLimit int
	logger    *slog.Logger
	metrics   *metrics.Registry
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// New loads or builds the archive index for src and maps locations onto it.
//
// Locations that match no archive entry are omitted; use Contains or Head to
// check coverage. New fails if the index cannot be built, for example with
// ErrArchiveCorrupt or ErrCompressedArchive. The build is all or nothing and
// honours ctx cancellation.
func New(ctx context.Context, locations []string, src Source, opts ...Option) (*Store, error) {
	if src == nil {
		return nil, errors.New("tarstore: nil source")
	}
	o := newOptions(opts)
	s := &Store{
		src:       src,
		scheme:    o.scheme,
		readLimit: o.readLimit,
		logger:    o.logger,
		metrics:   o.metrics,
	}

	idx, err := s.loadIndex(ctx, o)
	if err != nil {
		return nil, err
	}
	s.idx = idx
	s.objects = MapLocations(idx, locations, o.prefix, s.log())
	s.metrics.SetMappedObjects(s.objects.Len())

	s.log().Info("object store ready",
		"requested", len(locations),
		"mapped", s.objects.Len(),
		"index_entries", idx.Len())
	return s, nil
}

func (s *Store) loadIndex(ctx context.Context, o *options) (*Index, error) {
	start := time.Now()
	if o.index != nil {
		s.metrics.RecordIndexLoad(metrics.OriginProvided, o.index.Len(), time.Since(start))
		return o.index, nil
	}

	idx, cached, err := index.LoadOrBuild(ctx, s.src, o.cacheDir,
		index.WithNamePrefix(o.prefix),
		index.WithFormat(o.cacheFormat),
		index.WithClock(o.clock),
		index.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("index archive: %w", err)
	}
	origin := metrics.OriginScan
	if cached {
		origin = metrics.OriginCache
	}
	s.metrics.RecordIndexLoad(origin, idx.Len(), time.Since(start))
	return idx, nil
}

// Index returns the archive index the store was built from.
func (s *Store) Index() *Index {
	return s.idx
}

// Source returns the archive source.
func (s *Store) Source() Source {
	return s.src
}

// Locations returns the served locations in partition date order.
func (s *Store) Locations() []string {
	return s.objects.Locations()
}

// Len returns the number of served locations.
func (s *Store) Len() int {
	return s.objects.Len()
}

// Contains reports whether location is served by the store.
func (s *Store) Contains(location string) bool {
	_, ok := s.objects.Lookup(pathutil.Normalize(location))
	return ok
}

// URL returns the scheme-qualified base URI of the store.
func (s *Store) URL() string {
	return s.scheme
}

// GetRange returns the bytes of r within the object at location, or the
// whole object when r is nil.
//
// It fails with ErrNotFound for unserved locations and ErrOutOfRange when r
// is inverted or ends past the object. Reads never extend beyond the
// object's payload in the archive.
func (s *Store) GetRange(ctx context.Context, location string, r *Range) (data []byte, err error) {
	defer func(start time.Time) { s.observe("get_range", start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, e, err := s.lookup("get_range", location)
	if err != nil {
		return nil, err
	}
	off, n, err := window(e, r)
	if err != nil {
		return nil, &fs.PathError{Op: "get_range", Path: location, Err: err}
	}
	return s.readWindow(ctx, "get_range", location, off, n)
}

// GetRanges reads several ranges of one object concurrently. Every range is
// validated before any read starts.
func (s *Store) GetRanges(ctx context.Context, location string, ranges []Range) (out [][]byte, err error) {
	defer func(start time.Time) { s.observe("get_ranges", start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, e, err := s.lookup("get_ranges", location)
	if err != nil {
		return nil, err
	}

	type span struct{ off, n int64 }
	spans := make([]span, len(ranges))
	for i := range ranges {
		off, n, err := window(e, &ranges[i])
		if err != nil {
			return nil, &fs.PathError{Op: "get_ranges", Path: location, Err: err}
		}
		spans[i] = span{off, n}
	}

	out = make([][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.readLimit)
	for i, sp := range spans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.readWindow(gctx, "get_ranges", location, sp.off, sp.n)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get opens the object at location for streaming. The returned Object must
// be closed.
func (s *Store) Get(ctx context.Context, location string) (obj *Object, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, e, err := s.lookup("get", location)
	if err != nil {
		return nil, err
	}
	off, n, err := window(e, nil)
	if err != nil {
		return nil, &fs.PathError{Op: "get", Path: location, Err: err}
	}
	r, err := index.OpenReader(ctx, s.src)
	if err != nil {
		return nil, &fs.PathError{Op: "get", Path: location, Err: fmt.Errorf("open archive: %w", err)}
	}
	return &Object{
		SectionReader: io.NewSectionReader(r, off, n),
		meta:          s.meta(loc, e),
		closer:        r,
	}, nil
}

// Head returns the metadata of the object at location.
func (s *Store) Head(ctx context.Context, location string) (meta ObjectMeta, err error) {
	defer func(start time.Time) { s.observe("head", start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return ObjectMeta{}, err
	}
	loc, e, err := s.lookup("head", location)
	if err != nil {
		return ObjectMeta{}, err
	}
	return s.meta(loc, e), nil
}

func (s *Store) lookup(op, location string) (string, Entry, error) {
	loc := pathutil.Normalize(location)
	e, ok := s.objects.Lookup(loc)
	if !ok {
		return "", Entry{}, &fs.PathError{Op: op, Path: location, Err: ErrNotFound}
	}
	return loc, e, nil
}

// window translates r within e into an absolute archive window.
func window(e Entry, r *Range) (off, n int64, err error) {
	rng := Range{End: e.Size}
	if r != nil {
		rng = *r
	}
	off, n, ok := sizing.Window(e.Offset, e.Size, rng.Start, rng.End)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s of a %d byte object", ErrOutOfRange, rng, e.Size)
	}
	return off, n, nil
}

func (s *Store) readWindow(ctx context.Context, op, location string, off, n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if n > math.MaxInt {
		return nil, &fs.PathError{Op: op, Path: location, Err: fmt.Errorf("%w: %d bytes do not fit in memory", ErrOutOfRange, n)}
	}

	r, err := index.OpenReader(ctx, s.src)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: location, Err: fmt.Errorf("open archive: %w", err)}
	}
	defer r.Close()

	buf := make([]byte, n)
	got, err := r.ReadAt(buf, off)
	if got == len(buf) {
		err = nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &fs.PathError{Op: op, Path: location, Err: fmt.Errorf("read archive at %d: %w", off, err)}
	}
	s.metrics.AddBytesRead(n)
	return buf, nil
}

func (s *Store) meta(loc string, e Entry) ObjectMeta {
	return ObjectMeta{
		Location: loc,
		Size:     e.Size,
		ModTime:  e.ModTimeUTC(),
		ETag:     etag(s.src.SourceID(), e),
		Date:     e.Date,
	}
}

// etag derives a stable content identifier from the archive identity and the
// payload position.
func etag(sourceID string, e Entry) string {
	key := fmt.Sprintf("%s:%s:%d:%d", sourceID, e.Path, e.Offset, e.Size)
	return digest.FromString(key).Encoded()
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOperation(op, status(err), time.Since(start))
}

func status(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrNotFound):
		return metrics.StatusNotFound
	case errors.Is(err, ErrOutOfRange):
		return metrics.StatusOutOfRange
	case errors.Is(err, ErrUnsupported):
		return metrics.StatusUnsupported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.StatusCanceled
	default:
		return metrics.StatusError
	}
}

// Object is an open object. It reads only within the object's payload and
// supports Read, ReadAt and Seek.
type Object struct {
	*io.SectionReader
	meta   ObjectMeta
	closer io.Closer
}

// Meta returns the object metadata.
func (o *Object) Meta() ObjectMeta {
	return o.meta
}

// Close releases the archive reader.
func (o *Object) Close() error {
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}

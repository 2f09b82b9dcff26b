// Package stage copies single objects out of a store into random-access
// storage.
//
// Readers such as Parquet decoders seek heavily within one object. Staging
// copies the object once, into memory when it comfortably fits and into a
// temporary file otherwise, so those seeks never reach the archive.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/meigma/tarstore"
	"github.com/meigma/tarstore/internal/sizing"
)

// DefaultMemoryFraction is the share of available memory a single object may
// occupy before KindAuto stages it to a file.
const DefaultMemoryFraction = 0.25

// ErrTooLarge is returned when an object cannot be staged in memory.
var ErrTooLarge = errors.New("stage: object too large for memory")

// Kind selects where an object is staged.
type Kind uint8

const (
	// KindAuto picks KindMemory or KindFile from the available memory.
	KindAuto Kind = iota
	// KindMemory holds the object in a byte slice.
	KindMemory
	// KindFile writes the object to a temporary file.
	KindFile
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindMemory:
		return "memory"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Store is the part of a tarstore.Store a Stager reads from.
type Store interface {
	Get(ctx context.Context, location string) (*tarstore.Object, error)
}

// Stager copies objects into memory or temporary files.
type Stager struct {
	kind      Kind
	fraction  float64
	tempDir   string
	available func(context.Context) (uint64, error)
	logger    *slog.Logger
}

// Option configures a Stager.
type Option func(*Stager)

// WithKind forces a staging kind. Defaults to KindAuto.
func WithKind(k Kind) Option {
	return func(s *Stager) {
		s.kind = k
	}
}

// WithMemoryFraction sets the share of available memory an object may use
// when staged by KindAuto. Values outside (0, 1] are ignored.
func WithMemoryFraction(f float64) Option {
	return func(s *Stager) {
		if f > 0 && f <= 1 {
			s.fraction = f
		}
	}
}

// WithTempDir sets the directory for staged files. Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(s *Stager) {
		s.tempDir = dir
	}
}

// WithAvailableMemory overrides how available memory is measured.
func WithAvailableMemory(fn func(context.Context) (uint64, error)) Option {
	return func(s *Stager) {
		if fn != nil {
			s.available = fn
		}
	}
}

// WithLogger sets the logger for diagnostics. Defaults to no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stager) {
		s.logger = logger
	}
}

// New returns a Stager configured by opts.
func New(opts ...Option) *Stager {
	s := &Stager{
		kind:      KindAuto,
		fraction:  DefaultMemoryFraction,
		available: systemAvailable,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stager) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Stage copies the object at location. The returned Staged must be closed.
func (s *Stager) Stage(ctx context.Context, store Store, location string) (*Staged, error) {
	obj, err := store.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	meta := obj.Meta()
	kind := s.choose(ctx, meta.Size)
	s.log().Debug("staging object", "location", meta.Location, "size", meta.Size, "kind", kind)

	var staged *Staged
	switch kind {
	case KindMemory:
		staged, err = stageMemory(obj, meta.Size)
	default:
		staged, err = s.stageFile(ctx, obj)
	}
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", location, err)
	}
	staged.meta = meta
	return staged, nil
}

// choose resolves KindAuto against available memory. If memory cannot be
// measured the object goes to a file.
func (s *Stager) choose(ctx context.Context, size uint64) Kind {
	if s.kind != KindAuto {
		return s.kind
	}
	avail, err := s.available(ctx)
	if err != nil {
		s.log().Warn("available memory unknown, staging to file", "error", err)
		return KindFile
	}
	if float64(size) <= s.fraction*float64(avail) {
		return KindMemory
	}
	return KindFile
}

func stageMemory(r io.Reader, size uint64) (*Staged, error) {
	data, err := sizing.ReadAllWithLimit(r, size, ErrTooLarge)
	if err != nil {
		return nil, err
	}
	return &Staged{
		r:    bytes.NewReader(data),
		size: int64(len(data)),
		kind: KindMemory,
	}, nil
}

func (s *Stager) stageFile(ctx context.Context, r io.Reader) (*Staged, error) {
	f, err := os.CreateTemp(s.tempDir, "tarstore-stage-*")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Staged, error) {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return &Staged{
		r:    f,
		size: n,
		kind: KindFile,
		file: f,
	}, nil
}

func systemAvailable(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Staged is a random-access copy of one object.
type Staged struct {
	r    io.ReaderAt
	size int64
	kind Kind
	meta tarstore.ObjectMeta
	file *os.File
}

// ReadAt implements io.ReaderAt.
func (s *Staged) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// Size returns the object length.
func (s *Staged) Size() int64 {
	return s.size
}

// Kind reports where the object was staged.
func (s *Staged) Kind() Kind {
	return s.kind
}

// Meta returns the metadata of the staged object.
func (s *Staged) Meta() tarstore.ObjectMeta {
	return s.meta
}

// Path returns the temporary file path, or "" for memory staging.
func (s *Staged) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close releases the staged copy and removes any temporary file.
func (s *Staged) Close() error {
	if s.file == nil {
		s.r = bytes.NewReader(nil)
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

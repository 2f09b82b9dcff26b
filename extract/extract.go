// Package extract writes the objects of a store to a local directory.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/tarstore"
)

// ErrUnsafePath is returned for locations that would be written outside the
// destination directory.
var ErrUnsafePath = errors.New("extract: location escapes destination")

// Store is the part of a tarstore.Store that extraction reads from.
type Store interface {
	List(prefix string) iter.Seq[tarstore.ObjectMeta]
	Get(ctx context.Context, location string) (*tarstore.Object, error)
}

// Stats summarizes an extraction.
type Stats struct {
	// Written is the number of objects written.
	Written int
	// Skipped is the number of objects left alone because the target existed.
	Skipped int
	// Bytes is the total size of the written objects.
	Bytes uint64
}

// Option configures Run.
type Option func(*config)

type config struct {
	prefix        string
	overwrite     bool
	preserveTimes bool
	workers       int
	logger        *slog.Logger
}

// WithPrefix limits extraction to objects below prefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func WithOverwrite(overwrite bool) Option {
	return func(c *config) {
		c.overwrite = overwrite
	}
}

// WithPreserveTimes sets file modification times from the archive.
// By default, files carry the time they were written.
func WithPreserveTimes(preserve bool) Option {
	return func(c *config) {
		c.preserveTimes = preserve
	}
}

// WithWorkers sets the number of concurrent writers.
// Values < 1 use GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithLogger sets the logger for diagnostics. Defaults to no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Run writes every object served by store to destDir/<location>.
//
// Locations are validated before anything is written; a location that is
// not a local path fails the run with ErrUnsafePath. Files are written
// atomically and parent directories are created as needed. Run stops at the
// first error.
func Run(ctx context.Context, store Store, destDir string, opts ...Option) (Stats, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = runtime.GOMAXPROCS(0)
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	sink := &fileSink{
		destDir:       destDir,
		overwrite:     cfg.overwrite,
		preserveTimes: cfg.preserveTimes,
	}

	type job struct {
		meta tarstore.ObjectMeta
		dest string
	}
	var jobs []job
	for meta := range store.List(cfg.prefix) {
		dest, err := sink.target(meta.Location)
		if err != nil {
			return Stats{}, err
		}
		jobs = append(jobs, job{meta: meta, dest: dest})
	}

	var written, skipped atomic.Int64
	var bytes atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !sink.shouldWrite(j.dest) {
				skipped.Add(1)
				log.Debug("skipping existing file", "path", j.dest)
				return nil
			}
			if err := writeObject(gctx, store, sink, j.meta, j.dest); err != nil {
				return fmt.Errorf("extract %s: %w", j.meta.Location, err)
			}
			written.Add(1)
			bytes.Add(j.meta.Size)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := Stats{
		Written: int(written.Load()),
		Skipped: int(skipped.Load()),
		Bytes:   bytes.Load(),
	}
	log.Info("extraction finished",
		"written", stats.Written,
		"skipped", stats.Skipped,
		"bytes", stats.Bytes,
		"dest", destDir)
	return stats, err
}

func writeObject(ctx context.Context, store Store, sink *fileSink, meta tarstore.ObjectMeta, dest string) error {
	obj, err := store.Get(ctx, meta.Location)
	if err != nil {
		return err
	}
	defer obj.Close()

	w, err := sink.create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, obj)
	if err != nil {
		w.Discard()
		return err
	}
	if uint64(n) != meta.Size { //nolint:gosec // io.Copy never returns a negative count
		w.Discard()
		return fmt.Errorf("short copy: %d of %d bytes", n, meta.Size)
	}
	return w.Commit(meta.ModTime)
}

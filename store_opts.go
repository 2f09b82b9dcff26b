package tarstore

import (
	"log/slog"
	"time"

	"github.com/meigma/tarstore/metrics"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	prefix      string
	cacheDir    string
	cacheFormat CacheFormat
	index       *Index
	scheme      string
	readLimit   int
	clock       func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Registry
}

// DefaultReadConcurrency bounds the concurrent reads issued by GetRanges.
const DefaultReadConcurrency = 8

func newOptions(opts []Option) *options {
	o := &options{
		cacheFormat: CacheJSON,
		scheme:      DefaultScheme,
		readLimit:   DefaultReadConcurrency,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPrefix sets the name prefix an archive path must contain to back a
// location. The index is scoped to the same prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithCacheDir enables the daily index cache in dir.
//
// A usable cache file for today replaces the archive scan; otherwise the
// scan result is written there. Cache problems are logged and never fail New.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		o.cacheDir = dir
	}
}

// WithCacheFormat selects the cache encoding (default CacheJSON).
func WithCacheFormat(f CacheFormat) Option {
	return func(o *options) {
		o.cacheFormat = f
	}
}

// WithIndex uses a prebuilt index instead of scanning the archive or reading
// the cache. The index must describe the archive behind the source.
func WithIndex(idx *Index) Option {
	return func(o *options) {
		o.index = idx
	}
}

// WithScheme sets the base URI scheme reported by URL (default "tar+pq://").
func WithScheme(scheme string) Option {
	return func(o *options) {
		if scheme != "" {
			o.scheme = scheme
		}
	}
}

// WithReadConcurrency bounds the concurrent range reads of GetRanges.
// Values below 1 select DefaultReadConcurrency.
func WithReadConcurrency(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = DefaultReadConcurrency
		}
		o.readLimit = n
	}
}

// WithClock overrides the clock that selects the daily cache file.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithLogger sets the logger for diagnostics. Defaults to no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records operation counts, latencies and bytes read in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = reg
	}
}

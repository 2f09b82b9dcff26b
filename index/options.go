package index

import (
	"log/slog"
	"time"
)

// Option configures Build, LoadCache, SaveCache and LoadOrBuild.
type Option func(*config)

type config struct {
	prefix   string
	sourceID string
	format   Format
	now      func() time.Time
	logger   *slog.Logger
}

func newConfig(opts []Option) *config {
	c := &config{
		format: FormatJSON,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// WithNamePrefix scopes the catalogue to archive paths containing prefix.
//
// Build skips files outside the scope. LoadCache treats a cache built with a
// different prefix as a miss.
func WithNamePrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithSourceID makes LoadCache reject caches built from a different archive.
// LoadOrBuild sets it from the source automatically.
func WithSourceID(id string) Option {
	return func(c *config) {
		c.sourceID = id
	}
}

// WithFormat selects the cache file format (default FormatJSON).
func WithFormat(f Format) Option {
	return func(c *config) {
		c.format = f
	}
}

// WithClock overrides the clock used to pick the cache file name.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger for diagnostics. Defaults to no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

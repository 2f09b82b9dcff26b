package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/tarstore"
	"github.com/meigma/tarstore/blockcache"
	tarhttp "github.com/meigma/tarstore/http"
	"github.com/meigma/tarstore/index"
	"github.com/meigma/tarstore/internal/config"
	"github.com/meigma/tarstore/metrics"
	"github.com/meigma/tarstore/oci"
)

// common holds the flags shared by every command.
type common struct {
	configPath  string
	archive     string
	prefix      string
	start       string
	end         string
	locations   []string
	fileName    string
	cacheDir    string
	cacheFormat string
	noCache     bool
	layer       string
	plainHTTP   bool
	logLevel    string

	flags *pflag.FlagSet
	cfg   config.Config
}

func newFlagSet(name string, c *common) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tarstore "+name, pflag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.archive, "archive", "", "tar file path, http(s) URL or oci:// image reference (or pass it as the last argument)")
	fs.StringVar(&c.prefix, "prefix", "", "name prefix archive paths must contain")
	fs.StringVar(&c.start, "start", "", "first partition date, YYYY-MM-DD")
	fs.StringVar(&c.end, "end", "", "last partition date, YYYY-MM-DD")
	fs.StringSliceVar(&c.locations, "locations", nil, "explicit locations, replacing --start/--end")
	fs.StringVar(&c.fileName, "file-name", index.DefaultFileName, "object name under each date partition")
	fs.StringVar(&c.cacheDir, "cache-dir", index.DefaultCacheDir(), "index cache directory")
	fs.StringVar(&c.cacheFormat, "cache-format", "json", "index cache format: json or binary")
	fs.BoolVar(&c.noCache, "no-cache", false, "neither read nor write the index cache")
	fs.StringVar(&c.layer, "layer", "", "layer digest of an oci:// archive with several tar layers")
	fs.BoolVar(&c.plainHTTP, "plain-http", false, "talk to the registry over plain HTTP")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	c.flags = fs
	return fs
}

// parse parses args, loads the configuration file and applies every flag
// set on the command line over it. It returns the positional arguments.
func (c *common) parse(e *env, args []string) ([]string, error) {
	c.flags.SetOutput(e.stderr)
	if err := c.flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	set := c.flags.Changed
	if set("archive") {
		cfg.Archive = c.archive
	}
	if set("prefix") {
		cfg.Prefix = c.prefix
	}
	if set("start") {
		cfg.Start = c.start
	}
	if set("end") {
		cfg.End = c.end
	}
	if set("locations") {
		cfg.Locations = c.locations
	}
	if set("file-name") {
		cfg.FileName = c.fileName
	}
	if set("cache-dir") {
		cfg.Cache.Dir = c.cacheDir
	}
	if set("cache-format") {
		cfg.Cache.Format = c.cacheFormat
	}
	if set("no-cache") {
		cfg.Cache.Disabled = c.noCache
	}
	if set("layer") {
		cfg.Registry.Layer = c.layer
	}
	if set("plain-http") {
		cfg.Registry.PlainHTTP = c.plainHTTP
	}
	if set("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	return c.flags.Args(), nil
}

// logger builds a text logger on stderr at the configured level.
func (c *common) logger(e *env) *slog.Logger {
	level, _ := c.cfg.SlogLevel() //nolint:errcheck // validated in parse
	return slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level}))
}

// takeArchive consumes a trailing positional archive argument when
// --archive and the configuration file leave it unset.
func (c *common) takeArchive(args []string, want int) ([]string, error) {
	if c.cfg.Archive == "" && len(args) == want+1 {
		c.cfg.Archive = args[want]
		args = args[:want]
	}
	if c.cfg.Archive == "" {
		return nil, errors.New("no archive: pass --archive or the archive path")
	}
	if len(args) != want {
		return nil, fmt.Errorf("expected %d argument(s), got %d", want, len(args))
	}
	return args, nil
}

// openSource opens the configured archive. Remote archives read through the
// block cache unless it is disabled.
func (c *common) openSource(ctx context.Context, log *slog.Logger) (tarstore.Source, error) {
	archive := c.cfg.Archive
	var remote tarstore.Source
	switch {
	case strings.HasPrefix(archive, oci.Scheme):
		src, desc, err := c.opener(log).Open(ctx, archive, c.cfg.Registry.Layer)
		if err != nil {
			return nil, err
		}
		log.Info("reading registry layer", "layer", desc.Digest.String(), "size", humanize.IBytes(uint64(desc.Size))) //nolint:gosec // sizes are non-negative
		remote = src
	case strings.HasPrefix(archive, "http://"), strings.HasPrefix(archive, "https://"):
		src, err := tarhttp.NewSource(ctx, archive)
		if err != nil {
			return nil, err
		}
		remote = src
	default:
		return tarstore.OpenFileSource(archive)
	}

	dir := c.cfg.BlockCacheDir()
	if dir == "" {
		return remote, nil
	}
	cache, err := blockcache.New(dir, blockcache.WithMaxBytes(c.cfg.Cache.BlockMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("open block cache: %w", err)
	}
	log.Debug("block cache enabled", "dir", dir, "max_bytes", c.cfg.Cache.BlockMaxBytes)
	cached, err := cache.Wrap(remote)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// opener builds a registry client from the registry configuration.
func (c *common) opener(log *slog.Logger) *oci.Opener {
	reg := c.cfg.Registry
	host, _, _ := strings.Cut(strings.TrimPrefix(c.cfg.Archive, oci.Scheme), "/")
	opts := []oci.Option{
		oci.WithPlainHTTP(reg.PlainHTTP),
		oci.WithLogger(log),
	}
	switch {
	case reg.Token != "":
		opts = append(opts, oci.WithStaticToken(host, reg.Token))
	case reg.Username != "":
		opts = append(opts, oci.WithStaticCredentials(host, reg.Username, reg.Password))
	case reg.DockerConfig:
		opts = append(opts, oci.WithDockerConfig())
	default:
		opts = append(opts, oci.WithAnonymous())
	}
	return oci.New(opts...)
}

// openStore opens the archive, loads or builds its index and prints the
// index statistics to stderr.
func (c *common) openStore(ctx context.Context, e *env, reg *metrics.Registry) (*tarstore.Store, error) {
	locations, err := c.cfg.ResolveLocations()
	if err != nil {
		return nil, err
	}
	log := c.logger(e)
	src, err := c.openSource(ctx, log)
	if err != nil {
		return nil, err
	}
	format, _ := c.cfg.CacheFormat() //nolint:errcheck // validated in parse

	s, err := tarstore.New(ctx, locations, src,
		tarstore.WithPrefix(c.cfg.Prefix),
		tarstore.WithCacheDir(c.cfg.CacheDir()),
		tarstore.WithCacheFormat(format),
		tarstore.WithScheme(c.cfg.Scheme),
		tarstore.WithLogger(log),
		tarstore.WithMetrics(reg),
	)
	if err != nil {
		return nil, err
	}
	printStats(e.stderr, s.Index())
	fmt.Fprintf(e.stderr, "serving %d of %d requested locations\n", s.Len(), len(locations))
	return s, nil
}

func printStats(w io.Writer, idx *tarstore.Index) {
	st := idx.Stats()
	fmt.Fprintf(w, "index: %s entries, %s", humanize.Comma(int64(st.Entries)), humanize.IBytes(st.TotalBytes))
	if st.Entries > 0 {
		fmt.Fprintf(w, ", %s to %s", st.FirstDate, st.LastDate)
	}
	fmt.Fprintf(w, " (built %s)\n", humanize.Time(idx.CreatedAt()))
}

// parseRange parses "start-end" as a half-open byte range.
func parseRange(s string) (*tarstore.Range, error) {
	if s == "" {
		return nil, nil //nolint:nilnil // no range means the whole object
	}
	var r tarstore.Range
	if _, err := fmt.Sscanf(s, "%d-%d", &r.Start, &r.End); err != nil {
		return nil, fmt.Errorf("range %q: want START-END: %w", s, err)
	}
	return &r, nil
}

// formatTime renders object times for listings.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

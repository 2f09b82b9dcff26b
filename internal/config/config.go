// Package config loads the tarstore CLI configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/tarstore/index"
)

// Config is the CLI configuration. Command-line flags override file values.
type Config struct {
	// Archive is a tar file path, an http(s) URL serving it or an
	// oci://registry/repository:tag reference to an image layer.
	Archive string `yaml:"archive"`

	// Prefix is the name prefix archive paths must contain.
	Prefix string `yaml:"prefix"`

	// Start and End bound the served partitions, inclusive, as YYYY-MM-DD.
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	// Locations lists explicit locations and replaces the date range.
	Locations []string `yaml:"locations"`

	// FileName is the object name under each date partition.
	FileName string `yaml:"file_name"`

	// Scheme is the base URI reported for the store.
	Scheme string `yaml:"scheme"`

	Cache    CacheConfig    `yaml:"cache"`
	Registry RegistryConfig `yaml:"registry"`
	Server   ServerConfig   `yaml:"server"`
	Stage    StageConfig    `yaml:"stage"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// CacheConfig configures the daily index cache and the block cache of
// remote archives.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	Format   string `yaml:"format"`
	Disabled bool   `yaml:"disabled"`

	// BlockMaxBytes bounds the block cache. Zero disables it.
	BlockMaxBytes int64 `yaml:"block_max_bytes"`
}

// RegistryConfig configures access to OCI registries.
type RegistryConfig struct {
	// Layer selects an image layer by digest.
	Layer string `yaml:"layer"`

	PlainHTTP bool   `yaml:"plain_http"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Token     string `yaml:"token"`

	// DockerConfig reads credentials from ~/.docker/config.json when no
	// static credential is set.
	DockerConfig bool `yaml:"docker_config"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Address string `yaml:"address"`
	Metrics bool   `yaml:"metrics"`
}

// StageConfig configures object staging for the peek command.
type StageConfig struct {
	MemoryFraction float64 `yaml:"memory_fraction"`
	TempDir        string  `yaml:"temp_dir"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		FileName: index.DefaultFileName,
		Scheme:   "tar+pq://",
		Cache: CacheConfig{
			Dir:    index.DefaultCacheDir(),
			Format:        index.FormatJSON.String(),
			BlockMaxBytes: 1 << 30,
		},
		Registry: RegistryConfig{
			DockerConfig: true,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8080",
			Metrics: true,
		},
		Stage: StageConfig{
			MemoryFraction: 0.25,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if (c.Start == "") != (c.End == "") {
		return errors.New("start and end must be set together")
	}
	if c.Start != "" {
		if _, err := c.dateRange(); err != nil {
			return err
		}
	}
	if c.FileName == "" || strings.Contains(c.FileName, "/") {
		return fmt.Errorf("file_name %q must be a single path element", c.FileName)
	}
	if _, err := c.CacheFormat(); err != nil {
		return err
	}
	if c.Cache.BlockMaxBytes < 0 {
		return fmt.Errorf("cache.block_max_bytes %d must not be negative", c.Cache.BlockMaxBytes)
	}
	if c.Registry.Token != "" && (c.Registry.Username != "" || c.Registry.Password != "") {
		return errors.New("registry.token excludes registry.username and registry.password")
	}
	if f := c.Stage.MemoryFraction; f <= 0 || f > 1 {
		return fmt.Errorf("stage.memory_fraction %v must be in (0, 1]", f)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ResolveLocations returns the explicit locations, or one location per day
// of the configured date range.
func (c *Config) ResolveLocations() ([]string, error) {
	if len(c.Locations) > 0 {
		return c.Locations, nil
	}
	if c.Start == "" {
		return nil, errors.New("no locations: set start and end or list locations")
	}
	return c.dateRange()
}

func (c *Config) dateRange() ([]string, error) {
	start, err := index.ParseDate(c.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := index.ParseDate(c.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return index.LocationsForDateRange(start, end, index.WithFileName(c.FileName))
}

// CacheDir returns the cache directory, or "" when caching is disabled.
func (c *Config) CacheDir() string {
	if c.Cache.Disabled {
		return ""
	}
	return c.Cache.Dir
}

// BlockCacheDir returns the block cache directory, or "" when either cache
// is disabled.
func (c *Config) BlockCacheDir() string {
	if c.Cache.Disabled || c.Cache.BlockMaxBytes == 0 || c.Cache.Dir == "" {
		return ""
	}
	return filepath.Join(c.Cache.Dir, "blocks")
}

// CacheFormat parses the cache format.
func (c *Config) CacheFormat() (index.Format, error) {
	f, err := index.ParseFormat(c.Cache.Format)
	if err != nil {
		return 0, fmt.Errorf("cache.format: %w", err)
	}
	return f, nil
}

// SlogLevel parses the log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

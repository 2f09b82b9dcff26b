package extract

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// fileSink writes objects below destDir with atomic writes.
//
// Objects are written to a temporary file in the target directory, then
// renamed to the final path on commit, so partially written files are never
// visible at the final path.
type fileSink struct {
	destDir       string
	overwrite     bool
	preserveTimes bool
}

// target returns the destination path of location or ErrUnsafePath if it
// would land outside destDir.
func (s *fileSink) target(location string) (string, error) {
	if !fs.ValidPath(location) || location == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, location)
	}
	dest := filepath.Join(s.destDir, filepath.FromSlash(location))
	rel, err := filepath.Rel(s.destDir, dest)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, location)
	}
	return dest, nil
}

// shouldWrite reports false if dest exists and overwrite is disabled.
func (s *fileSink) shouldWrite(dest string) bool {
	if s.overwrite {
		return true
	}
	_, err := os.Lstat(dest)
	return os.IsNotExist(err)
}

// create opens a temp file next to dest.
func (s *fileSink) create(dest string) (*committer, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tarstore-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &committer{dest: dest, tmp: tmp, preserveTimes: s.preserveTimes}, nil
}

// committer writes to a temp file and renames on Commit.
type committer struct {
	dest          string
	tmp           *os.File
	preserveTimes bool
}

func (c *committer) Write(p []byte) (int, error) {
	return c.tmp.Write(p)
}

// Commit closes the temp file, applies the modification time and renames it
// to the final path.
func (c *committer) Commit(modTime time.Time) error {
	tmpPath := c.tmp.Name()
	if err := c.tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if c.preserveTimes {
		if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
			_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("chtimes: %w", err)
		}
	}
	if err := os.Rename(tmpPath, c.dest); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", c.dest, err)
	}
	return nil
}

// Discard closes and removes the temp file.
func (c *committer) Discard() {
	_ = c.tmp.Close()           //nolint:errcheck // cleaning up
	_ = os.Remove(c.tmp.Name()) //nolint:errcheck // cleaning up
}

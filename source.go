package tarstore

import (
	"fmt"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
)

// FileSource is a Source backed by a local archive file.
//
// The file is not held open: every Open returns a fresh *os.File so that
// concurrent reads never share a file offset or descriptor.
type FileSource struct {
	path     string
	size     int64
	sourceID string
}

// Interface compliance.
var _ Source = (*FileSource)(nil)

// OpenFileSource stats the archive at path and returns a source for it.
func OpenFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stat archive: %s is not a regular file", path)
	}
	return &FileSource{
		path:     path,
		size:     info.Size(),
		sourceID: fileSourceID(path, info),
	}, nil
}

// Open opens a new reader over the archive.
//
// It fails if the file changed size since OpenFileSource, because catalogued
// offsets would no longer be trustworthy.
func (s *FileSource) Open() (SourceReader, error) {
	f, err := os.Open(s.path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != s.size {
		f.Close()
		return nil, fmt.Errorf("archive %s changed size from %d to %d", s.path, s.size, info.Size())
	}
	return f, nil
}

// Size returns the archive size in bytes.
func (s *FileSource) Size() int64 {
	return s.size
}

// SourceID returns a digest of the absolute path, size and modification time.
func (s *FileSource) SourceID() string {
	return s.sourceID
}

// Path returns the archive path.
func (s *FileSource) Path() string {
	return s.path
}

func fileSourceID(path string, info os.FileInfo) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	key := fmt.Sprintf("file:%s:%d:%d", absPath, info.Size(), info.ModTime().UnixNano())
	return digest.FromString(key).String()
}

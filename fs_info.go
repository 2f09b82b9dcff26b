package tarstore

import (
	"io/fs"
	"time"

	"github.com/meigma/tarstore/internal/sizing"
)

// fileMode is the permission reported for every object.
const fileMode fs.FileMode = 0o444

// fileInfo implements fs.FileInfo for objects.
type fileInfo struct {
	entry Entry
	name  string
	size  int64
}

func newFileInfo(name string, e Entry) (*fileInfo, error) {
	size, err := sizing.ToInt64(e.Size, ErrOutOfRange)
	if err != nil {
		return nil, err
	}
	return &fileInfo{entry: e, name: name, size: size}, nil
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() fs.FileMode  { return fileMode }
func (fi *fileInfo) ModTime() time.Time { return fi.entry.ModTimeUTC() }
func (fi *fileInfo) IsDir() bool        { return false }

// Sys returns the archive Entry backing the object.
func (fi *fileInfo) Sys() any { return fi.entry }

// dirInfo implements fs.FileInfo for synthetic directories.
type dirInfo struct {
	name string
}

func newDirInfo(name string) *dirInfo {
	return &dirInfo{name: name}
}

func (di *dirInfo) Name() string       { return di.name }
func (di *dirInfo) Size() int64        { return 0 }
func (di *dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (di *dirInfo) ModTime() time.Time { return time.Time{} }
func (di *dirInfo) IsDir() bool        { return true }
func (di *dirInfo) Sys() any           { return nil }

// dirEntry implements fs.DirEntry by wrapping fs.FileInfo.
type dirEntry struct {
	info    fs.FileInfo
	infoErr error
}

func newDirEntry(info fs.FileInfo, err error) *dirEntry {
	return &dirEntry{info: info, infoErr: err}
}

func (de *dirEntry) Name() string               { return de.info.Name() }
func (de *dirEntry) IsDir() bool                { return de.info.IsDir() }
func (de *dirEntry) Type() fs.FileMode          { return de.info.Mode().Type() }
func (de *dirEntry) Info() (fs.FileInfo, error) { return de.info, de.infoErr }

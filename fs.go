package tarstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"slices"
	"strings"

	"github.com/meigma/tarstore/internal/pathutil"
)

// storeFS presents a Store as a read-only file system.
type storeFS struct {
	s   *Store
	ctx context.Context
}

// Interface compliance.
var (
	_ fs.FS         = (*storeFS)(nil)
	_ fs.StatFS     = (*storeFS)(nil)
	_ fs.ReadFileFS = (*storeFS)(nil)
	_ fs.ReadDirFS  = (*storeFS)(nil)
)

// FS returns a file system view of the store. Every served location is a
// file; directories are synthesized from location paths. Reads use ctx.
//
// The view implements fs.StatFS, fs.ReadFileFS and fs.ReadDirFS, and opened
// files implement io.ReaderAt and io.Seeker.
func (s *Store) FS(ctx context.Context) fs.FS {
	return &storeFS{s: s, ctx: ctx}
}

// Open implements fs.FS.
func (f *storeFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	if e, ok := f.s.objects.Lookup(name); ok {
		info, err := newFileInfo(pathutil.Base(name), e)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		obj, err := f.s.Get(f.ctx, name)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: pathErr(err)}
		}
		return &openFile{Object: obj, info: info}, nil
	}

	if f.isDir(name) {
		return &openDir{fsys: f, name: name}, nil
	}

	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// Stat implements fs.StatFS.
func (f *storeFS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}

	if e, ok := f.s.objects.Lookup(name); ok {
		info, err := newFileInfo(pathutil.Base(name), e)
		if err != nil {
			return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
		}
		return info, nil
	}

	if f.isDir(name) {
		return newDirInfo(pathutil.Base(name)), nil
	}

	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

// ReadFile implements fs.ReadFileFS.
func (f *storeFS) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	if _, ok := f.s.objects.Lookup(name); !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	data, err := f.s.GetRange(f.ctx, name, nil)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: pathErr(err)}
	}
	return data, nil
}

// ReadDir implements fs.ReadDirFS.
//
// Entries are sorted by name.
func (f *storeFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	if !f.isDir(name) {
		if _, ok := f.s.objects.Lookup(name); ok {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
		}
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return f.children(name), nil
}

// isDir reports whether name is the root or a strict prefix of a location.
func (f *storeFS) isDir(name string) bool {
	if name == "." {
		return true
	}
	prefix := name + "/"
	for loc := range f.s.objects.All() {
		if strings.HasPrefix(loc, prefix) {
			return true
		}
	}
	return false
}

// children returns the sorted entries directly below the directory name.
func (f *storeFS) children(name string) []fs.DirEntry {
	prefix := pathutil.DirPrefix(name)
	seen := make(map[string]struct{})
	entries := make([]fs.DirEntry, 0)
	for loc, e := range f.s.objects.All() {
		if !strings.HasPrefix(loc, prefix) {
			continue
		}
		child, isSubDir := pathutil.Child(loc, prefix)
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}

		if isSubDir {
			entries = append(entries, newDirEntry(newDirInfo(child), nil))
			continue
		}
		info, err := newFileInfo(child, e)
		if err != nil {
			entries = append(entries, newDirEntry(&fileInfo{name: child}, err))
			continue
		}
		entries = append(entries, newDirEntry(info, nil))
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries
}

// pathErr strips the store's *fs.PathError so the fs view can report its own
// operation name.
func pathErr(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// openFile is an fs.File over one object.
type openFile struct {
	*Object
	info *fileInfo
}

func (f *openFile) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

// openDir implements fs.File and fs.ReadDirFile for synthetic directories.
type openDir struct {
	fsys    *storeFS
	name    string
	entries []fs.DirEntry
	loaded  bool
	offset  int
}

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return newDirInfo(pathutil.Base(d.name)), nil
}

func (d *openDir) Close() error {
	return nil
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		d.entries = d.fsys.children(d.name)
		d.loaded = true
	}

	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.offset += n
	return rest[:n], nil
}

package testutil

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// DefaultModTime is the modification time given to fixture files without one.
var DefaultModTime = time.Date(2022, 4, 10, 12, 0, 0, 0, time.UTC)

// TarFile describes one fixture entry.
type TarFile struct {
	Name     string
	Data     []byte
	ModTime  time.Time
	Typeflag byte
}

// BuildTar returns an uncompressed tar archive containing files in order.
// Entries default to regular files; set Typeflag for directories or links.
func BuildTar(tb testing.TB, files []TarFile) []byte {
	tb.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		mtime := f.ModTime
		if mtime.IsZero() {
			mtime = DefaultModTime
		}
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     0o644,
			ModTime:  mtime.Truncate(time.Second),
			Typeflag: f.Typeflag,
		}
		switch f.Typeflag {
		case 0, tar.TypeReg:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Data))
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeSymlink:
			hdr.Linkname = string(f.Data)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("write header %s: %v", f.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(f.Data); err != nil {
				tb.Fatalf("write %s: %v", f.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// WriteTar writes a fixture archive named name into dir and returns its path.
func WriteTar(tb testing.TB, dir, name string, files []TarFile) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, BuildTar(tb, files), 0o600); err != nil {
		tb.Fatalf("write archive: %v", err)
	}
	return path
}

// Partitions returns one file per day starting at start (YYYY-MM-DD), named
// <prefix>date=YYYY-MM-DD/<fileName>, each holding size bytes that differ
// per day.
func Partitions(tb testing.TB, prefix, start string, days, size int, fileName string) []TarFile {
	tb.Helper()

	first, err := time.Parse("2006-01-02", start)
	if err != nil {
		tb.Fatalf("parse start date: %v", err)
	}
	files := make([]TarFile, 0, days)
	for i := range days {
		day := first.AddDate(0, 0, i)
		files = append(files, TarFile{
			Name:    fmt.Sprintf("%sdate=%s/%s", prefix, day.Format("2006-01-02"), fileName),
			Data:    PatternData(size, byte(i)),
			ModTime: day.Add(6 * time.Hour),
		})
	}
	return files
}

// PatternData returns size bytes derived from seed so payloads are
// distinguishable.
func PatternData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i) ^ seed*31
	}
	return data
}

// PayloadOffset returns the archive offset of the payload of the i-th file
// in an archive built by BuildTar from regular files with short names.
func PayloadOffset(files []TarFile, i int) int64 {
	var off int64
	for _, f := range files[:i] {
		off += 512 + (int64(len(f.Data))+511)&^511
	}
	return off + 512
}

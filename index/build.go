package index

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/meigma/tarstore/internal/sizing"
)

// blockSize is the tar record block size.
const blockSize = 512

// compressedMagic lists stream signatures of compressed containers.
var compressedMagic = []struct {
	name  string
	magic []byte
}{
	{"gzip", []byte{0x1f, 0x8b}},
	{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{"bzip2", []byte("BZh")},
}

// Build scans the archive once, in archive order, and returns its catalogue.
//
// Only regular files are catalogued. A header that fails to parse is skipped
// and scanning resumes at the next block; a file whose payload runs past the
// end of the archive is dropped. Both are logged as warnings. A catalogued
// file without a partition date in its path fails the build with
// ErrArchiveCorrupt.
//
// The build is all or nothing: on error, including cancellation of ctx, no
// index is returned.
func Build(ctx context.Context, src Source, opts ...Option) (*Index, error) {
	cfg := newConfig(opts)
	log := cfg.log()
	start := time.Now()

	r, err := OpenReader(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	size := src.Size()
	if err := checkUncompressed(r); err != nil {
		return nil, err
	}

	s := &scanner{r: r, size: size, prefix: cfg.prefix, log: log}
	entries, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	idx := newIndex(entries, cfg.prefix, src.SourceID(), cfg.now())
	log.Debug("archive indexed",
		"entries", idx.Len(),
		"dropped", s.dropped,
		"archive_bytes", size,
		"elapsed", time.Since(start))
	return idx, nil
}

// checkUncompressed rejects archives that start with a compression signature.
func checkUncompressed(r io.ReaderAt) error {
	var buf [10]byte
	n, err := r.ReadAt(buf[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read archive header: %w", err)
	}
	head := buf[:n]
	for _, m := range compressedMagic {
		if !bytes.HasPrefix(head, m.magic) {
			continue
		}
		// "BZh" is printable, so also require the level digit and block magic.
		if m.name == "bzip2" && (n < 10 || head[3] < '1' || head[3] > '9' || string(head[4:10]) != "1AY&SY") {
			continue
		}
		return fmt.Errorf("%w: %s", ErrCompressedArchive, m.name)
	}
	return nil
}

// scanner walks tar headers and records regular file payload positions.
type scanner struct {
	r       io.ReaderAt
	size    int64
	prefix  string
	log     *slog.Logger
	entries []Entry
	dropped int
	// skipped counts consecutive unreadable blocks while resynchronising.
	skipped int64
}

func (s *scanner) scan(ctx context.Context) ([]Entry, error) {
	base := int64(0)
	for base < s.size {
		next, err := s.scanFrom(ctx, base)
		if err != nil {
			return nil, err
		}
		if next < 0 {
			break
		}
		base = next
	}
	if s.skipped > 0 {
		s.log.Warn("archive ends in a corrupt region", "skipped_bytes", s.skipped*blockSize)
	}
	return s.entries, nil
}

// scanFrom reads headers from base until the end of the archive or a
// corrupt header. It returns the offset to resume scanning from, or -1 when
// the archive is exhausted.
func (s *scanner) scanFrom(ctx context.Context, base int64) (int64, error) {
	sec := io.NewSectionReader(s.r, base, s.size-base)
	tr := tar.NewReader(sec)
	header := base
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hdr, err := tr.Next()
		insecure := false
		switch {
		case errors.Is(err, io.EOF) && s.skipped == 0:
			return -1, nil
		case errors.Is(err, io.EOF):
			// Zero blocks inside an unreadable region are payload, not the
			// end-of-archive marker, unless nothing but zeros remains.
			next, zerr := s.nextNonZeroBlock(header)
			if zerr != nil {
				return 0, zerr
			}
			if next < 0 {
				return -1, nil
			}
			s.skipped += (next - header) / blockSize
			return next, nil
		case errors.Is(err, tar.ErrInsecurePath):
			insecure = true
		case err != nil:
			if s.skipped == 0 {
				s.dropped++
				s.log.Warn("skipping corrupt tar header", "offset", header, "error", err)
			}
			s.skipped++
			return header + blockSize, nil
		}
		if s.skipped > 0 {
			s.log.Warn("resumed scanning after corrupt region",
				"offset", header, "skipped_bytes", s.skipped*blockSize)
			s.skipped = 0
		}

		// The tar reader consumes header blocks exactly, so the section
		// position is now the start of the payload.
		rel, err := sec.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, fmt.Errorf("locate payload of %q: %w", hdr.Name, err)
		}
		offset := base + rel
		header = offset + alignBlock(hdr.Size)

		if insecure {
			s.dropped++
			s.log.Warn("skipping entry with insecure path", "path", hdr.Name, "offset", offset)
			continue
		}
		if err := s.add(hdr, offset); err != nil {
			return 0, err
		}
	}
}

// nextNonZeroBlock returns the offset of the first block at or after off that
// holds a non-zero byte, or -1 when the rest of the archive is zero.
func (s *scanner) nextNonZeroBlock(off int64) (int64, error) {
	buf := make([]byte, 64*blockSize)
	for off < s.size {
		n, err := s.r.ReadAt(buf[:min(int64(len(buf)), s.size-off)], off)
		for i, b := range buf[:n] {
			if b != 0 {
				return off + int64(i)&^(blockSize-1), nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read archive at %d: %w", off, err)
		}
		if n == 0 {
			break
		}
		off += int64(n)
	}
	return -1, nil
}

func (s *scanner) add(hdr *tar.Header, offset int64) error {
	if !hdr.FileInfo().Mode().IsRegular() {
		return nil
	}
	if isSparse(hdr) {
		s.dropped++
		s.log.Warn("skipping sparse file", "path", hdr.Name)
		return nil
	}
	if s.prefix != "" && !strings.Contains(hdr.Name, s.prefix) {
		return nil
	}

	start := uint64(offset)   //nolint:gosec // section offsets are never negative
	length := uint64(hdr.Size) //nolint:gosec // tar rejects negative sizes
	end, ok := sizing.AddUint64(start, length)
	if !ok || end > uint64(s.size) { //nolint:gosec // size is a file length
		s.dropped++
		s.log.Warn("skipping truncated entry", "path", hdr.Name, "offset", offset, "size", hdr.Size)
		return nil
	}

	d, ok := DateFromPath(hdr.Name)
	if !ok {
		return fmt.Errorf("%w: no partition date in %q at offset %d", ErrArchiveCorrupt, hdr.Name, offset)
	}

	s.entries = append(s.entries, Entry{
		Path:    hdr.Name,
		Offset:  start,
		Size:    length,
		ModTime: hdr.ModTime.Unix(),
		Date:    d,
	})
	return nil
}

// isSparse reports whether the payload is stored as a sparse map, which is
// not contiguous in the archive.
func isSparse(hdr *tar.Header) bool {
	if hdr.Typeflag == tar.TypeGNUSparse {
		return true
	}
	for key := range hdr.PAXRecords {
		if strings.HasPrefix(key, "GNU.sparse.") {
			return true
		}
	}
	return false
}

func alignBlock(n int64) int64 {
	return (n + blockSize - 1) &^ (blockSize - 1)
}

// Package testutil provides archive fixtures and in-memory sources for tests.
package testutil

import (
	"errors"
	"io"
	"sync/atomic"

	digest "github.com/opencontainers/go-digest"
)

// ErrOpenFailed is returned by MockByteSource.OpenReader after FailOpens.
var ErrOpenFailed = errors.New("testutil: open failed")

// ReadAtCloser is the reader handed out by MockByteSource.OpenReader.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// MockByteSource implements a simple in-memory archive source for tests.
type MockByteSource struct {
	data   []byte
	opens  atomic.Int64
	closes atomic.Int64
	reads  atomic.Int64
	fail   atomic.Bool
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// SourceID returns the digest of the backing data.
func (m *MockByteSource) SourceID() string {
	return digest.FromBytes(m.data).String()
}

// OpenReader returns an independent reader and counts the call.
func (m *MockByteSource) OpenReader() (ReadAtCloser, error) {
	if m.fail.Load() {
		return nil, ErrOpenFailed
	}
	m.opens.Add(1)
	return &mockReader{src: m}, nil
}

// FailOpens makes every later OpenReader call fail.
func (m *MockByteSource) FailOpens() {
	m.fail.Store(true)
}

// Opens returns how many readers have been opened.
func (m *MockByteSource) Opens() int64 {
	return m.opens.Load()
}

// Reads returns how many ReadAt calls opened readers have served.
func (m *MockByteSource) Reads() int64 {
	return m.reads.Load()
}

// Outstanding returns how many opened readers have not been closed.
func (m *MockByteSource) Outstanding() int64 {
	return m.opens.Load() - m.closes.Load()
}

type mockReader struct {
	src    *MockByteSource
	closed atomic.Bool
}

func (r *mockReader) ReadAt(p []byte, off int64) (int, error) {
	if r.closed.Load() {
		return 0, errors.New("testutil: read from closed reader")
	}
	r.src.reads.Add(1)
	return r.src.ReadAt(p, off)
}

func (r *mockReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.src.closes.Add(1)
	}
	return nil
}

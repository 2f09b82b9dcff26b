package tarstore

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"time"
)

// ObjectStore is the object store surface implemented by Store.
type ObjectStore interface {
	GetRange(ctx context.Context, location string, r *Range) ([]byte, error)
	Get(ctx context.Context, location string) (*Object, error)
	Head(ctx context.Context, location string) (ObjectMeta, error)
	List(prefix string) iter.Seq[ObjectMeta]
	ListWithDelimiter(prefix string) ListResult

	Put(ctx context.Context, location string, data []byte) error
	PutMultipart(ctx context.Context, location string) (io.WriteCloser, error)
	Delete(ctx context.Context, location string) error
	Copy(ctx context.Context, from, to string) error
	CopyIfNotExists(ctx context.Context, from, to string) error
	Rename(ctx context.Context, from, to string) error
}

// Interface compliance.
var _ ObjectStore = (*Store)(nil)

// Put always fails with ErrUnsupported.
func (s *Store) Put(_ context.Context, location string, _ []byte) error {
	return s.unsupported("put", location)
}

// PutMultipart always fails with ErrUnsupported.
func (s *Store) PutMultipart(_ context.Context, location string) (io.WriteCloser, error) {
	return nil, s.unsupported("put_multipart", location)
}

// Delete always fails with ErrUnsupported.
func (s *Store) Delete(_ context.Context, location string) error {
	return s.unsupported("delete", location)
}

// Copy always fails with ErrUnsupported.
func (s *Store) Copy(_ context.Context, _, to string) error {
	return s.unsupported("copy", to)
}

// CopyIfNotExists always fails with ErrUnsupported.
func (s *Store) CopyIfNotExists(_ context.Context, _, to string) error {
	return s.unsupported("copy_if_not_exists", to)
}

// Rename always fails with ErrUnsupported.
func (s *Store) Rename(_ context.Context, _, to string) error {
	return s.unsupported("rename", to)
}

func (s *Store) unsupported(op, location string) error {
	err := &fs.PathError{Op: op, Path: location, Err: ErrUnsupported}
	s.observe(op, time.Now(), err)
	return err
}

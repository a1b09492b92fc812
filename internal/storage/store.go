// Package storage defines the file-level contract the timeline persists
// through and its local, in-memory and S3 implementations.
package storage

import (
	"context"
	"io"
	"path"

	"github.com/strata-project/strata/pkg/errclass"
)

// Store is a flat namespace of slash-separated keys. Every error it returns
// is classed as errclass.ErrNotFound, errclass.ErrAlreadyExists or
// errclass.ErrStorageIO.
type Store interface {
	// Exists reports whether key names a stored object.
	Exists(ctx context.Context, key string) (bool, error)
	// Open returns the object content, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// CreateImmutable publishes data at key only if nothing is there yet.
	// The first writer wins; later writers get ErrAlreadyExists. Readers never
	// observe partial content.
	CreateImmutable(ctx context.Context, key string, data []byte) error
	// Create writes data at key. Without overwrite an existing object is an
	// ErrAlreadyExists error.
	Create(ctx context.Context, key string, data []byte, overwrite bool) error
	// Rename moves src to dst without clobbering. It returns false when src is
	// missing or dst is already present.
	Rename(ctx context.Context, src, dst string) (bool, error)
	// Delete removes key and returns false when it was absent.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns the base names of objects directly under dir. A missing
	// dir lists as empty.
	List(ctx context.Context, dir string) ([]string, error)
	// MkdirAll ensures dir can hold objects.
	MkdirAll(ctx context.Context, dir string) error
}

// ReadFile returns the full content stored at key.
func ReadFile(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ioError("read", key, err)
	}
	return data, nil
}

// Join joins key elements with '/'.
func Join(elem ...string) string {
	return path.Join(elem...)
}

func ioError(op, key string, err error) error {
	return errclass.ErrStorageIO.Wrap(err, "%s %s", op, key)
}

func notFound(key string) error {
	return errclass.ErrNotFound.WithMessagef("no such object: %s", key)
}

func alreadyExists(key string) error {
	return errclass.ErrAlreadyExists.WithMessagef("object already exists: %s", key)
}

package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/strata-project/strata/pkg/fsutil"
	"github.com/strata-project/strata/pkg/pathutil"
)

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	root string
}

// NewLocal returns a store rooted at dir.
func NewLocal(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, ioError("resolve", dir, err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string { return s.root }

// Path resolves key to its absolute file path.
func (s *LocalStore) Path(key string) (string, error) {
	clean, err := pathutil.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.Path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError("stat", key, err)
	}
	return true, nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, ioError("open", key, err)
	}
	return f, nil
}

func (s *LocalStore) CreateImmutable(ctx context.Context, key string, data []byte) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return ioError("mkdir", key, err)
	}
	if err := fsutil.AtomicCreate(p, data, 0644); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return alreadyExists(key)
		}
		return ioError("create", key, err)
	}
	return nil
}

func (s *LocalStore) Create(ctx context.Context, key string, data []byte, overwrite bool) error {
	if !overwrite {
		return s.CreateImmutable(ctx, key, data)
	}
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return ioError("mkdir", key, err)
	}
	if err := fsutil.AtomicWrite(p, data, 0644); err != nil {
		return ioError("write", key, err)
	}
	return nil
}

func (s *LocalStore) Rename(ctx context.Context, src, dst string) (bool, error) {
	from, err := s.Path(src)
	if err != nil {
		return false, err
	}
	to, err := s.Path(dst)
	if err != nil {
		return false, err
	}
	if err := fsutil.RenameNoReplace(from, to); err != nil {
		if errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError("rename", src+" -> "+dst, err)
	}
	return true, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) (bool, error) {
	p, err := s.Path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError("delete", key, err)
	}
	return true, nil
}

func (s *LocalStore) List(ctx context.Context, dir string) ([]string, error) {
	p, err := s.Path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, ioError("list", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) MkdirAll(ctx context.Context, dir string) error {
	p, err := s.Path(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return ioError("mkdir", dir, err)
	}
	return nil
}

var _ Store = (*LocalStore)(nil)

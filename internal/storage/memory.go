package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/strata-project/strata/pkg/pathutil"
)

// MemoryStore keeps objects in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	k, err := pathutil.CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[k]
	return ok, nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := pathutil.CleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[k]
	if !ok {
		return nil, notFound(key)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

func (s *MemoryStore) CreateImmutable(ctx context.Context, key string, data []byte) error {
	return s.Create(ctx, key, data, false)
}

func (s *MemoryStore) Create(ctx context.Context, key string, data []byte, overwrite bool) error {
	k, err := pathutil.CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[k]; ok && !overwrite {
		return alreadyExists(key)
	}
	s.objects[k] = bytes.Clone(data)
	if s.objects[k] == nil {
		s.objects[k] = []byte{}
	}
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, src, dst string) (bool, error) {
	from, err := pathutil.CleanKey(src)
	if err != nil {
		return false, err
	}
	to, err := pathutil.CleanKey(dst)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[from]
	if !ok {
		return false, nil
	}
	if _, taken := s.objects[to]; taken {
		return false, nil
	}
	s.objects[to] = data
	delete(s.objects, from)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	k, err := pathutil.CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[k]; !ok {
		return false, nil
	}
	delete(s.objects, k)
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, dir string) ([]string, error) {
	d, err := pathutil.CleanKey(dir)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if d != "" {
		prefix = d + "/"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for k := range s.objects {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

// MkdirAll is a no-op; directories are implied by keys.
func (s *MemoryStore) MkdirAll(ctx context.Context, dir string) error {
	_, err := pathutil.CleanKey(dir)
	return err
}

var _ Store = (*MemoryStore)(nil)

// Package lock provides the mutual-exclusion primitives the time generator
// can run under: file leases with fencing tokens, Redis, ZooKeeper and an
// in-process mutex.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/fsutil"
	"github.com/strata-project/strata/pkg/model"
	"github.com/strata-project/strata/pkg/pathutil"
)

const lockSuffix = ".lock"

// Manager handles lease records under one lock directory. Leases are created
// with O_EXCL, expire after the policy TTL and can then be stolen, which bumps
// the fencing token.
type Manager struct {
	dir    string
	policy model.LockPolicy
	mu     sync.Mutex
	now    func() time.Time
}

// NewManager creates a lease manager storing records in dir.
func NewManager(dir string, policy model.LockPolicy) *Manager {
	return &Manager{dir: dir, policy: policy, now: time.Now}
}

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

// Policy returns the timing policy.
func (m *Manager) Policy() model.LockPolicy { return m.policy }

// Acquire takes the named lease if nobody holds it.
func (m *Manager) Acquire(name, purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(name, purpose)
}

func (m *Manager) acquireLocked(name, purpose string) (*model.LockRecord, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "create lock dir")
	}

	lockPath := m.lockPath(name)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			rec, readErr := m.readLock(lockPath)
			if readErr != nil {
				return nil, errclass.ErrStorageIO.Wrap(readErr, "read existing lock")
			}
			if rec.IsExpired(m.now()) {
				return nil, errclass.ErrLockExpired.WithMessagef("lock %s expired, steal it", name)
			}
			return nil, errclass.ErrLockConflict.WithMessagef("lock %s is held", name)
		}
		return nil, errclass.ErrStorageIO.Wrap(err, "create lock")
	}
	defer file.Close()

	rec := m.newRecord(name, purpose, 1)
	if err := writeLock(file, rec); err != nil {
		os.Remove(lockPath)
		return nil, err
	}
	return rec, nil
}

// Renew extends a held lease.
func (m *Manager) Renew(name, holderNonce string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.lockPath(name)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return nil, errclass.ErrStorageIO.Wrap(err, "read lock")
	}
	if rec.IsExpired(m.now()) {
		return nil, errclass.ErrLockExpired.WithMessage("lock has expired")
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}

	rec.ExpiresAt = m.now().UTC().Add(m.policy.DefaultLeaseTTL)
	if err := updateLock(lockPath, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Steal takes over an expired lease, incrementing its fencing token. A missing
// lease is acquired normally.
func (m *Manager) Steal(name, purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.lockPath(name)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m.acquireLocked(name, purpose)
		}
		return nil, errclass.ErrStorageIO.Wrap(err, "read lock")
	}
	if !rec.IsExpired(m.now()) {
		return nil, errclass.ErrLockConflict.WithMessage("lock not expired yet")
	}

	newRec := m.newRecord(name, purpose, rec.FencingToken+1)
	if err := updateLock(lockPath, newRec); err != nil {
		return nil, err
	}
	return newRec, nil
}

// Release frees a lease held under holderNonce. Releasing a missing lease is
// not an error.
func (m *Manager) Release(name, holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.lockPath(name)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errclass.ErrStorageIO.Wrap(err, "read lock")
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errclass.ErrStorageIO.Wrap(err, "remove lock")
	}
	return nil
}

// ValidateFencing checks token against the current lease.
func (m *Manager) ValidateFencing(name string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock(m.lockPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return errclass.ErrStorageIO.Wrap(err, "read lock")
	}
	if rec.FencingToken != token {
		return errclass.ErrFencingMismatch.WithMessagef(
			"expected token %d, got %d", rec.FencingToken, token)
	}
	return nil
}

// Status returns the current state of the named lease.
func (m *Manager) Status(name string) (model.LockState, *model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock(m.lockPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.LockStateFree, nil, nil
		}
		return model.LockStateFree, nil, errclass.ErrStorageIO.Wrap(err, "read lock")
	}
	if rec.IsExpired(m.now()) {
		return model.LockStateExpired, rec, nil
	}
	return model.LockStateHeld, rec, nil
}

// Names lists every lease present in the lock directory.
func (m *Manager) Names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errclass.ErrStorageIO.Wrap(err, "list locks")
	}
	var names []string
	for _, e := range entries {
		if n, ok := strings.CutSuffix(e.Name(), lockSuffix); ok && !e.IsDir() {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) newRecord(name, purpose string, token int64) *model.LockRecord {
	now := m.now().UTC()
	return &model.LockRecord{
		Name:         name,
		HolderNonce:  uuid.NewString(),
		SessionID:    uuid.NewString(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.policy.DefaultLeaseTTL),
		FencingToken: token,
		Purpose:      purpose,
	}
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.dir, name+lockSuffix)
}

func (m *Manager) readLock(path string) (*model.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func writeLock(file *os.File, rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "write lock")
	}
	return file.Sync()
}

func updateLock(path string, rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "update lock")
	}
	return nil
}

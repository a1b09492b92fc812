package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
)

// DialZooKeeper connects to an ensemble.
func DialZooKeeper(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return conn, nil
}

// zkMutex is the part of *zk.Lock the locker drives.
type zkMutex interface {
	Lock() error
	Unlock() error
}

// ZKLocker uses the ZooKeeper sequential-ephemeral lock recipe under path.
// A crashed holder's node disappears with its session. Goroutines sharing
// one ZKLocker take turns; each acquisition uses a fresh recipe instance.
type ZKLocker struct {
	newMutex func() zkMutex
	path     string

	gate gate
	mu   sync.Mutex
	held zkMutex
}

// NewZKLocker returns a locker on path.
func NewZKLocker(conn *zk.Conn, path string) *ZKLocker {
	return newZKLocker(func() zkMutex {
		return zk.NewLock(conn, path, zk.WorldACL(zk.PermAll))
	}, path)
}

func newZKLocker(newMutex func() zkMutex, path string) *ZKLocker {
	return &ZKLocker{newMutex: newMutex, path: path, gate: newGate()}
}

// Lock blocks until the lock is ours or ctx ends. On cancellation the
// pending acquisition is released in the background once it completes.
func (l *ZKLocker) Lock(ctx context.Context) error {
	if err := l.gate.enter(ctx, "zk lock "+l.path); err != nil {
		return err
	}
	m := l.newMutex()
	done := make(chan error, 1)
	go func() { done <- m.Lock() }()

	select {
	case err := <-done:
		if err != nil {
			l.gate.leave()
			return errclass.ErrLockConflict.Wrap(err, "zk lock %s", l.path)
		}
		l.mu.Lock()
		l.held = m
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		go func() {
			defer l.gate.leave()
			if err := <-done; err == nil {
				if uerr := m.Unlock(); uerr != nil {
					logging.Warn("release abandoned zk lock", logging.Fields{"path": l.path, "error": uerr.Error()})
				}
			}
		}()
		return errclass.ErrLockConflict.Wrap(ctx.Err(), "wait for zk lock %s", l.path)
	}
}

func (l *ZKLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	m := l.held
	l.held = nil
	l.mu.Unlock()
	if m == nil {
		return errclass.ErrLockNotHeld.WithMessagef("zk lock %s not held", l.path)
	}
	defer l.gate.leave()
	if err := m.Unlock(); err != nil {
		if errors.Is(err, zk.ErrNotLocked) {
			return errclass.ErrLockNotHeld.WithMessagef("zk lock %s not held", l.path)
		}
		return errclass.ErrStorageIO.Wrap(err, "zk unlock %s", l.path)
	}
	return nil
}

package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
)

// Locker is a blocking mutual-exclusion primitive.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// FileLocker adapts a lease Manager to Locker. Lock polls until the lease is
// free or expired, stealing expired leases, and gives up after the policy's
// acquire timeout.
type FileLocker struct {
	mgr     *Manager
	name    string
	purpose string

	gate gate
	mu   sync.Mutex
	held *model.LockRecord
}

// NewFileLocker returns a locker over the named lease. One locker may be
// shared by goroutines; they take turns holding the lease.
func NewFileLocker(mgr *Manager, name, purpose string) *FileLocker {
	return &FileLocker{mgr: mgr, name: name, purpose: purpose, gate: newGate()}
}

func (l *FileLocker) Lock(ctx context.Context) error {
	if err := l.gate.enter(ctx, l.name); err != nil {
		return err
	}
	policy := l.mgr.Policy()
	b := retryPolicy(policy.AcquireTimeout, policy.RetryInterval)

	var rec *model.LockRecord
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		rec, err = l.mgr.Acquire(l.name, l.purpose)
		if errors.Is(err, errclass.ErrLockExpired) {
			rec, err = l.mgr.Steal(l.name, l.purpose)
		}
		if errors.Is(err, errclass.ErrLockConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		l.gate.leave()
		return err
	}

	l.mu.Lock()
	l.held = rec
	l.mu.Unlock()
	return nil
}

func (l *FileLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	rec := l.held
	l.held = nil
	l.mu.Unlock()
	if rec == nil {
		return errclass.ErrLockNotHeld.WithMessagef("lock %s not held by this locker", l.name)
	}
	defer l.gate.leave()
	return l.mgr.Release(l.name, rec.HolderNonce)
}

// FencingToken returns the token of the lease currently held, or 0.
func (l *FileLocker) FencingToken() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return 0
	}
	return l.held.FencingToken
}

var (
	inProcessMu    sync.Mutex
	inProcessLocks = make(map[string]gate)
)

// InProcessLocker serializes goroutines of one process that use the same
// key. Lock honors context cancellation.
type InProcessLocker struct {
	gate gate
}

// NewInProcessLocker returns a locker sharing state with every other
// in-process locker created for key.
func NewInProcessLocker(key string) *InProcessLocker {
	inProcessMu.Lock()
	defer inProcessMu.Unlock()
	g, ok := inProcessLocks[key]
	if !ok {
		g = newGate()
		inProcessLocks[key] = g
	}
	return &InProcessLocker{gate: g}
}

func (l *InProcessLocker) Lock(ctx context.Context) error {
	return l.gate.enter(ctx, "in-process lock")
}

func (l *InProcessLocker) Unlock(ctx context.Context) error {
	if !l.gate.leave() {
		return errclass.ErrLockNotHeld.WithMessage("in-process lock not held")
	}
	return nil
}

// gate admits one goroutine at a time. Network lockers hold it from Lock to
// Unlock so a shared locker never has two holders in one process.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func (g gate) enter(ctx context.Context, what string) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errclass.ErrLockConflict.Wrap(ctx.Err(), "wait for %s", what)
	}
}

// leave reports whether the gate was held.
func (g gate) leave() bool {
	select {
	case <-g:
		return true
	default:
		return false
	}
}

// retryPolicy builds the polling backoff shared by network lockers.
func retryPolicy(timeout, interval time.Duration) retry.Backoff {
	if interval <= 0 {
		interval = model.DefaultLockPolicy().RetryInterval
	}
	return retry.WithMaxDuration(timeout, retry.NewConstant(interval))
}

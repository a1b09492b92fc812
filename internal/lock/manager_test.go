package lock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-project/strata/internal/lock"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/model"
)

func shortPolicy() model.LockPolicy {
	return model.LockPolicy{
		DefaultLeaseTTL: 100 * time.Millisecond,
		AcquireTimeout:  500 * time.Millisecond,
		RetryInterval:   5 * time.Millisecond,
	}
}

func newManager(t *testing.T, policy model.LockPolicy) *lock.Manager {
	return lock.NewManager(filepath.Join(t.TempDir(), ".strata", "locks"), policy)
}

func TestManager_Acquire(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	rec, err := mgr.Acquire("timeline", "test-purpose")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.NotEmpty(t, rec.SessionID)
	assert.Equal(t, "timeline", rec.Name)
	assert.Equal(t, int64(1), rec.FencingToken)
}

func TestManager_Acquire_Conflict(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	_, err := mgr.Acquire("timeline", "first")
	require.NoError(t, err)

	_, err = mgr.Acquire("timeline", "second")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestManager_Acquire_InvalidName(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	_, err := mgr.Acquire("../escape", "x")
	require.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestManager_Renew(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	rec, _ := mgr.Acquire("timeline", "test")
	time.Sleep(20 * time.Millisecond)

	renewed, err := mgr.Renew("timeline", rec.HolderNonce)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(rec.ExpiresAt))
}

func TestManager_Renew_Expired(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = 50 * time.Millisecond
	mgr := newManager(t, policy)

	rec, _ := mgr.Acquire("timeline", "test")
	time.Sleep(100 * time.Millisecond)

	_, err := mgr.Renew("timeline", rec.HolderNonce)
	require.ErrorIs(t, err, errclass.ErrLockExpired)
}

func TestManager_Renew_WrongNonce(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	mgr.Acquire("timeline", "test")

	_, err := mgr.Renew("timeline", "wrong-nonce")
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Release(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	rec, _ := mgr.Acquire("timeline", "test")
	require.NoError(t, mgr.Release("timeline", rec.HolderNonce))

	_, err := mgr.Acquire("timeline", "second")
	require.NoError(t, err)
}

func TestManager_Release_WrongNonce(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	mgr.Acquire("timeline", "test")

	err := mgr.Release("timeline", "wrong-nonce")
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Steal(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = 50 * time.Millisecond
	mgr := newManager(t, policy)

	rec1, _ := mgr.Acquire("timeline", "first")
	assert.Equal(t, int64(1), rec1.FencingToken)

	time.Sleep(100 * time.Millisecond)

	_, err := mgr.Acquire("timeline", "second")
	require.ErrorIs(t, err, errclass.ErrLockExpired)

	rec2, err := mgr.Steal("timeline", "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.FencingToken)
	assert.NotEqual(t, rec1.HolderNonce, rec2.HolderNonce)

	require.ErrorIs(t, mgr.ValidateFencing("timeline", rec1.FencingToken), errclass.ErrFencingMismatch)
	require.NoError(t, mgr.ValidateFencing("timeline", rec2.FencingToken))
}

func TestManager_Steal_NotExpired(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	mgr.Acquire("timeline", "first")

	_, err := mgr.Steal("timeline", "second")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestManager_Steal_Missing(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	rec, err := mgr.Steal("timeline", "first")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.FencingToken)
}

func TestManager_ValidateFencing_NoLock(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	require.ErrorIs(t, mgr.ValidateFencing("timeline", 1), errclass.ErrLockNotHeld)
}

func TestManager_Status(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = 50 * time.Millisecond
	mgr := newManager(t, policy)

	state, rec, err := mgr.Status("timeline")
	require.NoError(t, err)
	assert.Equal(t, model.LockStateFree, state)
	assert.Nil(t, rec)

	mgr.Acquire("timeline", "test")
	state, rec, err = mgr.Status("timeline")
	require.NoError(t, err)
	assert.Equal(t, model.LockStateHeld, state)
	assert.Equal(t, "test", rec.Purpose)

	time.Sleep(100 * time.Millisecond)
	state, _, err = mgr.Status("timeline")
	require.NoError(t, err)
	assert.Equal(t, model.LockStateExpired, state)
}

func TestManager_Names(t *testing.T) {
	mgr := newManager(t, shortPolicy())

	names, err := mgr.Names()
	require.NoError(t, err)
	assert.Empty(t, names)

	mgr.Acquire("b", "x")
	mgr.Acquire("a", "x")
	names, err = mgr.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestFileLocker_WaitsForRelease(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	ctx := context.Background()

	first := lock.NewFileLocker(mgr, "timeline", "first")
	second := lock.NewFileLocker(mgr, "timeline", "second")
	require.NoError(t, first.Lock(ctx))
	assert.Equal(t, int64(1), first.FencingToken())

	go func() {
		time.Sleep(30 * time.Millisecond)
		first.Unlock(ctx)
	}()

	require.NoError(t, second.Lock(ctx))
	assert.Equal(t, int64(1), second.FencingToken())
	require.NoError(t, second.Unlock(ctx))
	assert.Equal(t, int64(0), second.FencingToken())
}

func TestFileLocker_StealsExpiredLease(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = 20 * time.Millisecond
	mgr := newManager(t, policy)
	ctx := context.Background()

	crashed := lock.NewFileLocker(mgr, "timeline", "crashed")
	require.NoError(t, crashed.Lock(ctx))

	next := lock.NewFileLocker(mgr, "timeline", "next")
	require.NoError(t, next.Lock(ctx))
	assert.Equal(t, int64(2), next.FencingToken())

	require.ErrorIs(t, crashed.Unlock(ctx), errclass.ErrLockNotHeld, "stolen lease cannot be released by old holder")
}

func TestFileLocker_Timeout(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = time.Minute
	policy.AcquireTimeout = 30 * time.Millisecond
	mgr := newManager(t, policy)
	ctx := context.Background()

	require.NoError(t, lock.NewFileLocker(mgr, "timeline", "holder").Lock(ctx))

	err := lock.NewFileLocker(mgr, "timeline", "waiter").Lock(ctx)
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestFileLocker_UnlockWithoutLock(t *testing.T) {
	mgr := newManager(t, shortPolicy())
	err := lock.NewFileLocker(mgr, "timeline", "x").Unlock(context.Background())
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestFileLocker_SharedLockerStealDoesNotLeakTurns(t *testing.T) {
	policy := shortPolicy()
	policy.DefaultLeaseTTL = 20 * time.Millisecond
	mgr := newManager(t, policy)
	ctx := context.Background()

	shared := lock.NewFileLocker(mgr, "timeline", "shared")
	require.NoError(t, shared.Lock(ctx))
	time.Sleep(30 * time.Millisecond)

	acquired := make(chan error, 1)
	go func() { acquired <- shared.Lock(ctx) }()
	select {
	case err := <-acquired:
		t.Fatalf("second goroutine stole a lease its own locker holds: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, shared.Unlock(ctx))
	require.NoError(t, <-acquired)
	assert.Equal(t, int64(1), shared.FencingToken())
	require.NoError(t, shared.Unlock(ctx))
}

func TestInProcessLocker(t *testing.T) {
	ctx := context.Background()
	key := t.Name()
	a := lock.NewInProcessLocker(key)
	b := lock.NewInProcessLocker(key)

	require.NoError(t, a.Lock(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Lock(waitCtx), errclass.ErrLockConflict)

	require.NoError(t, a.Unlock(ctx))
	require.NoError(t, b.Lock(ctx))
	require.NoError(t, b.Unlock(ctx))
	require.ErrorIs(t, b.Unlock(ctx), errclass.ErrLockNotHeld)
}

func TestInProcessLocker_DistinctKeys(t *testing.T) {
	ctx := context.Background()
	a := lock.NewInProcessLocker(t.Name() + "/a")
	b := lock.NewInProcessLocker(t.Name() + "/b")

	require.NoError(t, a.Lock(ctx))
	require.NoError(t, b.Lock(ctx))
	require.NoError(t, a.Unlock(ctx))
	require.NoError(t, b.Unlock(ctx))
}

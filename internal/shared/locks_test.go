package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerExcludesSecondOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client, time.Minute)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, LedgerReconcileLockKey)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, LedgerReconcileLockKey)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	again, err := locker.Acquire(ctx, LedgerReconcileLockKey)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLockReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client, time.Second)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, LedgerReconcileLockKey)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, LedgerReconcileLockKey)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	require.True(t, mr.Exists(LedgerReconcileLockKey), "expired owner must not release the new lock")
	require.NoError(t, current.Release(ctx))
	require.False(t, mr.Exists(LedgerReconcileLockKey))
}

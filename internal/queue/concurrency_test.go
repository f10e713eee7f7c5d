package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConcurrencyGuardAcquireRelease(t *testing.T) {
	guard := NewConcurrencyGuard(newTestRedis(t))
	ctx := context.Background()

	// Cap of 2: two acquires succeed, the third is refused.
	count, err := guard.Acquire(ctx, "org-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = guard.Acquire(ctx, "org-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = guard.Acquire(ctx, "org-1", 2)
	require.NoError(t, err)
	assert.Equal(t, -1, count)

	// Release opens a slot again.
	remaining, err := guard.Release(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	count, err = guard.Acquire(ctx, "org-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConcurrencyGuardNeverNegative(t *testing.T) {
	guard := NewConcurrencyGuard(newTestRedis(t))
	ctx := context.Background()

	// Releasing with no acquires stays at zero.
	for i := 0; i < 3; i++ {
		remaining, err := guard.Release(ctx, "org-2")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, remaining, 0)
	}
	current, err := guard.Current(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, 0, current)
}

func TestConcurrencyGuardIsolatedPerOrganization(t *testing.T) {
	guard := NewConcurrencyGuard(newTestRedis(t))
	ctx := context.Background()

	_, err := guard.Acquire(ctx, "org-a", 1)
	require.NoError(t, err)

	count, err := guard.Acquire(ctx, "org-b", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "organizations must not share slots")
}

func TestExecutionLease(t *testing.T) {
	client := newTestRedis(t)
	lease := NewExecutionLease(client, 60e9)
	ctx := context.Background()

	held, err := lease.TryAcquire(ctx, "ex-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, held)

	// A second worker cannot claim the same execution.
	held, err = lease.TryAcquire(ctx, "ex-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, held)

	// Release by a non-holder is a no-op.
	require.NoError(t, lease.Release(ctx, "ex-1", "worker-b"))
	held, err = lease.TryAcquire(ctx, "ex-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, held)

	// Release by the holder frees the execution.
	require.NoError(t, lease.Release(ctx, "ex-1", "worker-a"))
	held, err = lease.TryAcquire(ctx, "ex-1", "worker-b")
	require.NoError(t, err)
	assert.True(t, held)
}

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(org, id string) *Job {
	return &Job{
		ExecutionID:    id,
		WorkflowID:     "wf-" + id,
		OrganizationID: org,
		TriggerType:    TriggerManual,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestRedisDriverFIFOWithinOrganization(t *testing.T) {
	driver := NewRedisDriver(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, driver.Publish(ctx, job("org-1", fmt.Sprintf("ex-%d", i)), 1))
	}

	for i := 0; i < 5; i++ {
		claimed, err := driver.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, fmt.Sprintf("ex-%d", i), claimed.ExecutionID)
	}

	claimed, err := driver.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestRedisDriverRoundRobinAcrossOrganizations(t *testing.T) {
	driver := NewRedisDriver(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, driver.Publish(ctx, job("org-a", fmt.Sprintf("a-%d", i)), 1))
		require.NoError(t, driver.Publish(ctx, job("org-b", fmt.Sprintf("b-%d", i)), 1))
	}

	counts := map[string]int{}
	firstTwoOrgs := map[string]bool{}
	for i := 0; i < 6; i++ {
		claimed, err := driver.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		counts[claimed.OrganizationID]++
		if i < 2 {
			firstTwoOrgs[claimed.OrganizationID] = true
		}
	}
	assert.Equal(t, 3, counts["org-a"])
	assert.Equal(t, 3, counts["org-b"])
	// Rotation alternates: the first two claims hit both organizations.
	assert.Len(t, firstTwoOrgs, 2)
}

func TestRedisDriverWeightedRotation(t *testing.T) {
	driver := NewRedisDriver(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, driver.Publish(ctx, job("heavy", fmt.Sprintf("h-%d", i)), 3))
		require.NoError(t, driver.Publish(ctx, job("light", fmt.Sprintf("l-%d", i)), 1))
	}

	// In the first 4 claims the weighted org gets more slots.
	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		claimed, err := driver.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		counts[claimed.OrganizationID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"])
}

func TestRedisDriverDepthAndDurability(t *testing.T) {
	driver := NewRedisDriver(newTestRedis(t))
	ctx := context.Background()

	assert.True(t, driver.Durable())
	require.NoError(t, driver.Publish(ctx, job("org-1", "ex-1"), 1))
	require.NoError(t, driver.Publish(ctx, job("org-2", "ex-2"), 1))

	depth, err := driver.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestMemoryDriver(t *testing.T) {
	driver := NewMemoryDriver()
	ctx := context.Background()

	assert.False(t, driver.Durable())

	require.NoError(t, driver.Publish(ctx, job("org-1", "ex-1"), 1))
	require.NoError(t, driver.Publish(ctx, job("org-1", "ex-2"), 1))

	claimed, err := driver.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", claimed.ExecutionID)

	depth, err := driver.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSlidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindowLimiter(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "org-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i)
	}
	allowed, err := limiter.Allow(ctx, "org-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other organizations are unaffected.
	allowed, err = limiter.Allow(ctx, "org-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSlidingWindowLimiterValidation(t *testing.T) {
	limiter := NewSlidingWindowLimiter(newTestRedis(t))
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "", 3, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidOrganizationID)

	_, err = limiter.Allow(ctx, "org-1", 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript increments the concurrency counter only when below the cap.
var acquireScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current < tonumber(ARGV[1]) then
		redis.call('INCR', KEYS[1])
		redis.call('EXPIRE', KEYS[1], ARGV[2])
		return current + 1
	else
		return -1
	end
`)

// releaseScript decrements without letting the counter go below zero.
var releaseScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current > 0 then
		return redis.call('DECR', KEYS[1])
	else
		return 0
	end
`)

// ConcurrencyGuard tracks live executions per organization with atomic
// redis counters. The counter never goes negative and never exceeds the cap.
type ConcurrencyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewConcurrencyGuard creates a concurrency guard. The TTL bounds leakage
// if a worker dies without releasing.
func NewConcurrencyGuard(client *redis.Client) *ConcurrencyGuard {
	return &ConcurrencyGuard{client: client, ttl: 24 * time.Hour}
}

func (g *ConcurrencyGuard) key(organizationID string) string {
	return "queue:concurrent:" + organizationID
}

// Acquire takes one concurrency slot. Returns the new count, or -1 when at
// capacity.
func (g *ConcurrencyGuard) Acquire(ctx context.Context, organizationID string, max int) (int, error) {
	if max <= 0 {
		return -1, nil
	}
	count, err := acquireScript.Run(ctx, g.client, []string{g.key(organizationID)},
		max, int(g.ttl.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to acquire concurrency slot: %w", err)
	}
	return count, nil
}

// Release returns one concurrency slot and reports the remaining count.
func (g *ConcurrencyGuard) Release(ctx context.Context, organizationID string) (int, error) {
	count, err := releaseScript.Run(ctx, g.client, []string{g.key(organizationID)}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to release concurrency slot: %w", err)
	}
	return count, nil
}

// Current returns the live execution count for an organization.
func (g *ConcurrencyGuard) Current(ctx context.Context, organizationID string) (int, error) {
	count, err := g.client.Get(ctx, g.key(organizationID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read concurrency counter: %w", err)
	}
	return count, nil
}

// ExecutionLease guarantees at-most-one concurrent dispatcher per execution.
type ExecutionLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewExecutionLease creates a lease manager with the given TTL.
func NewExecutionLease(client *redis.Client, ttl time.Duration) *ExecutionLease {
	return &ExecutionLease{client: client, ttl: ttl}
}

// TryAcquire claims the execution for a holder. Returns false when another
// live holder owns it.
func (l *ExecutionLease) TryAcquire(ctx context.Context, executionID, holder string) (bool, error) {
	ok, err := l.client.SetNX(ctx, "queue:lease:"+executionID, holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire execution lease: %w", err)
	}
	return ok, nil
}

// Release drops the lease if held by the holder.
var releaseLeaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	else
		return 0
	end
`)

// Release releases the lease when still held by holder.
func (l *ExecutionLease) Release(ctx context.Context, executionID, holder string) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{"queue:lease:" + executionID}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release execution lease: %w", err)
	}
	return nil
}

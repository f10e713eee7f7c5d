package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidLimit is returned when limit is <= 0
	ErrInvalidLimit = errors.New("limit must be greater than 0")
	// ErrInvalidOrganizationID is returned when the organization id is empty
	ErrInvalidOrganizationID = errors.New("organization ID cannot be empty")
)

// slidingWindowScript atomically prunes, counts and conditionally admits.
var slidingWindowScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local count = redis.call('ZCARD', KEYS[1])
	if tonumber(count) < tonumber(ARGV[3]) then
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[2] .. '-' .. ARGV[5])
		redis.call('EXPIRE', KEYS[1], ARGV[4])
		return 1
	else
		return 0
	end
`)

// SlidingWindowLimiter enforces per-organization executions-per-minute
// limits with a redis sorted set.
type SlidingWindowLimiter struct {
	client *redis.Client
}

// NewSlidingWindowLimiter creates a sliding window rate limiter.
func NewSlidingWindowLimiter(client *redis.Client) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{client: client}
}

// Allow checks and consumes one slot in the organization's window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, organizationID string, limit int, window time.Duration) (bool, error) {
	if organizationID == "" {
		return false, ErrInvalidOrganizationID
	}
	if limit <= 0 {
		return false, ErrInvalidLimit
	}

	key := fmt.Sprintf("queue:rate:%s:%d", organizationID, int(window.Seconds()))
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()
	ttl := int(window.Seconds()) + 1

	allowed, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		windowStart, now, limit, ttl, strconv.FormatInt(now, 36)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return allowed == 1, nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Driver is the job transport behind the execution queue.
type Driver interface {
	// Publish appends a job to its organization's FIFO. weight biases the
	// claim rotation toward the organization (>= 1).
	Publish(ctx context.Context, job *Job, weight int) error
	// Claim pops the next job honoring per-organization weighted
	// round-robin. Returns nil when no job is ready.
	Claim(ctx context.Context) (*Job, error)
	// Depth reports the total number of queued jobs.
	Depth(ctx context.Context) (int, error)
	// Durable reports whether jobs survive process restart.
	Durable() bool
}

const (
	orgSetKey      = "queue:orgs"
	orgWeightKey   = "queue:weights"
	orgQueuePrefix = "queue:jobs:"
)

// RedisDriver is the durable FIFO: one redis list per organization plus a
// set of ready organizations, claimed with weighted round-robin.
type RedisDriver struct {
	client *redis.Client

	mu     sync.Mutex
	cursor int
}

// NewRedisDriver creates the redis-backed queue driver.
func NewRedisDriver(client *redis.Client) *RedisDriver {
	return &RedisDriver{client: client}
}

// Publish appends the job to the organization's list.
func (d *RedisDriver) Publish(ctx context.Context, job *Job, weight int) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if weight < 1 {
		weight = 1
	}
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, orgQueuePrefix+job.OrganizationID, payload)
	pipe.SAdd(ctx, orgSetKey, job.OrganizationID)
	pipe.HSet(ctx, orgWeightKey, job.OrganizationID, weight)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// Claim pops from organization lists in a weighted rotation. Organizations
// with weight w get w consecutive slots in the cycle; within an
// organization, jobs pop FIFO.
func (d *RedisDriver) Claim(ctx context.Context) (*Job, error) {
	orgs, err := d.client.SMembers(ctx, orgSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ready organizations: %w", err)
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	sort.Strings(orgs)

	weights, err := d.client.HGetAll(ctx, orgWeightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read organization weights: %w", err)
	}

	cycle := make([]string, 0, len(orgs))
	for _, org := range orgs {
		weight := 1
		if raw, ok := weights[org]; ok {
			fmt.Sscanf(raw, "%d", &weight)
			if weight < 1 {
				weight = 1
			}
		}
		for i := 0; i < weight; i++ {
			cycle = append(cycle, org)
		}
	}

	d.mu.Lock()
	start := d.cursor
	d.mu.Unlock()

	for i := 0; i < len(cycle); i++ {
		org := cycle[(start+i)%len(cycle)]
		payload, err := d.client.RPop(ctx, orgQueuePrefix+org).Result()
		if err == redis.Nil {
			// Drained organization: drop it from the ready set; a concurrent
			// publish re-adds it.
			d.client.SRem(ctx, orgSetKey, org)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop job: %w", err)
		}

		d.mu.Lock()
		d.cursor = (start + i + 1) % len(cycle)
		d.mu.Unlock()

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		return &job, nil
	}
	return nil, nil
}

// Depth sums all organization queue lengths.
func (d *RedisDriver) Depth(ctx context.Context) (int, error) {
	orgs, err := d.client.SMembers(ctx, orgSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list ready organizations: %w", err)
	}
	total := 0
	for _, org := range orgs {
		length, err := d.client.LLen(ctx, orgQueuePrefix+org).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read queue length: %w", err)
		}
		total += int(length)
	}
	return total, nil
}

// Durable reports true: jobs live in redis.
func (d *RedisDriver) Durable() bool { return true }

// MemoryDriver is the non-durable dev queue behind ENABLE_DEV_IGNORE_QUEUE.
// Jobs are lost on restart.
type MemoryDriver struct {
	mu     sync.Mutex
	queues map[string][]*Job
	orgs   []string
	cursor int
}

// NewMemoryDriver creates the in-memory dev driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{queues: make(map[string][]*Job)}
}

// Publish appends the job in memory.
func (d *MemoryDriver) Publish(_ context.Context, job *Job, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[job.OrganizationID]; !ok {
		d.orgs = append(d.orgs, job.OrganizationID)
		sort.Strings(d.orgs)
	}
	d.queues[job.OrganizationID] = append(d.queues[job.OrganizationID], job)
	return nil
}

// Claim pops round-robin across organizations.
func (d *MemoryDriver) Claim(_ context.Context) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.orgs) == 0 {
		return nil, nil
	}
	for i := 0; i < len(d.orgs); i++ {
		org := d.orgs[(d.cursor+i)%len(d.orgs)]
		jobs := d.queues[org]
		if len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		d.queues[org] = jobs[1:]
		d.cursor = (d.cursor + i + 1) % len(d.orgs)
		return job, nil
	}
	return nil, nil
}

// Depth counts queued jobs.
func (d *MemoryDriver) Depth(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, jobs := range d.queues {
		total += len(jobs)
	}
	return total, nil
}

// Durable reports false: this driver drops jobs on restart.
func (d *MemoryDriver) Durable() bool { return false }

// Requeue is used by the dispatcher to defer a rate-limited job.
func Requeue(ctx context.Context, driver Driver, job *Job, delay time.Duration) error {
	job.Deferrals++
	// The delay is applied by the dispatcher before re-publishing; the
	// driver itself has no delayed-delivery primitive.
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return driver.Publish(ctx, job, 1)
}

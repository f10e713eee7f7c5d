// Package polling schedules polling triggers with a min-heap keyed by
// nextPollAt. Partitions are leased through the database so multiple
// scheduler instances scale horizontally without double-polling.
package polling

import (
	"container/heap"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/queue"
	"github.com/flowgrid/flowgrid/internal/webhook"
)

// ClientSource provides connector clients for polling.
type ClientSource interface {
	APIClient(connectorID string) connector.Client
	ExperimentalClient(connectorID string) connector.Client
}

// TriggerStore is the persistence surface the scheduler drives.
type TriggerStore interface {
	GetByID(ctx context.Context, id string) (*webhook.Trigger, error)
	ListActivePolling(ctx context.Context) ([]*webhook.Trigger, error)
	SavePollState(ctx context.Context, triggerID string, lastPoll, nextPollAt time.Time, state webhook.DedupeState) error
	AcquirePartitionLease(ctx context.Context, partition int, holder string, ttl time.Duration) (bool, error)
}

// CredentialResolver resolves a trigger's connection into a credentials bundle.
type CredentialResolver interface {
	Resolve(ctx context.Context, organizationID, userID string, ref connection.NodeCredentialRef) (*connection.Resolved, error)
}

// OutboxAppender stages trigger events for the queue.
type OutboxAppender interface {
	Append(ctx context.Context, request *queue.RunRequest) error
	PendingCount(ctx context.Context) (int, error)
}

// Config tunes the scheduler
type Config struct {
	Partition       int
	Partitions      int
	LeaseTTL        time.Duration
	Tick            time.Duration
	OutboxHighWater int
	MinInterval     time.Duration
	RingSize        int
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Partition:       0,
		Partitions:      1,
		LeaseTTL:        time.Minute,
		Tick:            time.Second,
		OutboxHighWater: 1000,
		MinInterval:     15 * time.Second,
		RingSize:        webhook.DefaultDedupeRingSize,
	}
}

// item is a heap entry
type item struct {
	trigger *webhook.Trigger
	due     time.Time
	index   int
}

type pollHeap []*item

func (h pollHeap) Len() int            { return len(h) }
func (h pollHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h pollHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pollHeap) Push(x any)         { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler polls due triggers on a single partition.
type Scheduler struct {
	repo        TriggerStore
	clients     ClientSource
	credentials CredentialResolver
	outbox      OutboxAppender
	logger      *slog.Logger
	cfg         Config

	holder string

	mu    sync.Mutex
	heap  pollHeap
	rings map[string]*webhook.DedupeRing

	// backoff is the current backpressure delay; grows exponentially while
	// the outbox is over its high-water mark.
	backoff time.Duration
}

// New creates a polling scheduler for one partition.
func New(repo TriggerStore, clients ClientSource, credentials CredentialResolver, outbox OutboxAppender, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		repo:        repo,
		clients:     clients,
		credentials: credentials,
		outbox:      outbox,
		logger:      logger,
		cfg:         cfg,
		holder:      uuid.NewString(),
		rings:       make(map[string]*webhook.DedupeRing),
	}
}

// Run loads the partition's triggers and polls until the context ends.
// The loop is single-threaded: one partition never polls concurrently.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.warmUp(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			held, err := s.repo.AcquirePartitionLease(ctx, s.cfg.Partition, s.holder, s.cfg.LeaseTTL)
			if err != nil {
				s.logger.Error("partition lease check failed", "error", err, "partition", s.cfg.Partition)
				continue
			}
			if !held {
				continue
			}
			s.tick(ctx)
		}
	}
}

// warmUp seeds the heap with this partition's active polling triggers.
func (s *Scheduler) warmUp(ctx context.Context) error {
	triggers, err := s.repo.ListActivePolling(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm up scheduler: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trigger := range triggers {
		if s.partitionOf(trigger.ID) != s.cfg.Partition {
			continue
		}
		due := time.Now().UTC()
		if trigger.NextPollAt != nil {
			due = *trigger.NextPollAt
		}
		heap.Push(&s.heap, &item{trigger: trigger, due: due})
	}
	s.logger.Info("polling scheduler warmed up",
		"partition", s.cfg.Partition,
		"triggers", s.heap.Len(),
	)
	return nil
}

// Add registers a trigger with the live heap.
func (s *Scheduler) Add(trigger *webhook.Trigger) {
	if s.partitionOf(trigger.ID) != s.cfg.Partition {
		return
	}
	due := time.Now().UTC()
	if trigger.NextPollAt != nil {
		due = *trigger.NextPollAt
	}
	s.mu.Lock()
	heap.Push(&s.heap, &item{trigger: trigger, due: due})
	s.mu.Unlock()
}

// tick polls every due trigger once.
func (s *Scheduler) tick(ctx context.Context) {
	if s.throttled(ctx) {
		return
	}

	now := time.Now().UTC()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.heap).(*item)
		s.mu.Unlock()

		next := s.poll(ctx, entry.trigger, now)
		if next.IsZero() {
			// Trigger removed or deactivated; drop from the heap.
			continue
		}
		entry.due = next
		s.mu.Lock()
		heap.Push(&s.heap, entry)
		s.mu.Unlock()
	}
}

// throttled applies exponential backpressure while the outbox is over its
// high-water mark.
func (s *Scheduler) throttled(ctx context.Context) bool {
	pending, err := s.outbox.PendingCount(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox depth", "error", err)
		return false
	}
	if pending < s.cfg.OutboxHighWater {
		s.backoff = 0
		return false
	}

	if s.backoff == 0 {
		s.backoff = s.cfg.Tick
	} else {
		s.backoff *= 2
		if s.backoff > time.Minute {
			s.backoff = time.Minute
		}
	}
	s.logger.Warn("outbox over high-water mark, throttling polls",
		"pending", pending,
		"high_water", s.cfg.OutboxHighWater,
		"backoff", s.backoff,
		"partition", s.cfg.Partition,
	)
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return true
}

// poll runs one poll cycle for a trigger and returns the next due time.
// Missed ticks do not stack: the next poll is computed from now.
func (s *Scheduler) poll(ctx context.Context, trigger *webhook.Trigger, now time.Time) time.Time {
	// Re-read so deactivation and interval changes take effect.
	fresh, err := s.repo.GetByID(ctx, trigger.ID)
	if err != nil || !fresh.Active {
		return time.Time{}
	}
	trigger = fresh

	interval := time.Duration(trigger.IntervalSeconds) * time.Second
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}
	next := now.Add(interval)
	if trigger.NextPollAt != nil && trigger.NextPollAt.After(next) {
		next = *trigger.NextPollAt
	}

	items, err := s.invoke(ctx, trigger)
	if err != nil {
		s.logger.Error("poll failed",
			"error", err,
			"trigger_id", trigger.ID,
			"connector_id", trigger.ConnectorID,
		)
		// Watermark is not advanced on failure; the next cycle retries.
		if saveErr := s.repo.SavePollState(ctx, trigger.ID, valueOr(trigger.LastPoll, now), next, s.ring(trigger).Snapshot()); saveErr != nil {
			s.logger.Error("failed to persist poll state", "error", saveErr, "trigger_id", trigger.ID)
		}
		return next
	}

	ring := s.ring(trigger)
	accepted := 0
	for _, entry := range items {
		token := s.dedupeToken(trigger, entry)
		if ring.Seen(token) {
			continue
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			s.logger.Error("failed to encode polled item", "error", err, "trigger_id", trigger.ID)
			continue
		}
		request := &queue.RunRequest{
			WorkflowID:     trigger.WorkflowID,
			OrganizationID: trigger.OrganizationID,
			UserID:         trigger.UserID,
			TriggerType:    queue.TriggerPolling,
			TriggerData: &queue.TriggerData{
				AppID:       trigger.ConnectorID,
				TriggerID:   trigger.TriggerFnID,
				Payload:     payload,
				DedupeToken: token,
				Timestamp:   now,
				Source:      "polling",
			},
		}
		if err := s.outbox.Append(ctx, request); err != nil {
			s.logger.Error("failed to stage polled event", "error", err, "trigger_id", trigger.ID)
			continue
		}
		accepted++
	}

	if err := s.repo.SavePollState(ctx, trigger.ID, now, next, ring.Snapshot()); err != nil {
		s.logger.Error("failed to persist poll state", "error", err, "trigger_id", trigger.ID)
	}

	s.logger.Debug("poll cycle completed",
		"trigger_id", trigger.ID,
		"items", len(items),
		"accepted", accepted,
		"next_poll_at", next,
	)
	return next
}

// invoke resolves credentials and calls the connector's poll method with
// the since watermark.
func (s *Scheduler) invoke(ctx context.Context, trigger *webhook.Trigger) ([]map[string]any, error) {
	client := s.clients.APIClient(trigger.ConnectorID)
	if client == nil {
		client = s.clients.ExperimentalClient(trigger.ConnectorID)
	}
	if client == nil {
		return nil, fmt.Errorf("no client bound for connector %s", trigger.ConnectorID)
	}
	poller, ok := client.(connector.Poller)
	if !ok {
		return nil, fmt.Errorf("connector %s client does not support polling", trigger.ConnectorID)
	}

	resolved, err := s.credentials.Resolve(ctx, trigger.OrganizationID, trigger.UserID, connection.NodeCredentialRef{
		ConnectionID: trigger.ConnectionID,
	})
	if err != nil {
		return nil, err
	}

	method := trigger.PollMethod()
	if method == "" {
		method = "poll" + pascalCase(trigger.TriggerFnID)
	}

	parameters := map[string]any{}
	for key, value := range trigger.MetadataMap() {
		if key == "filters" || key == "pollMethod" {
			continue
		}
		parameters[key] = value
	}
	if trigger.LastPoll != nil {
		parameters["since"] = trigger.LastPoll.UTC().Format(time.RFC3339)
	}
	parameters["method"] = method

	result, err := poller.Poll(ctx, trigger.TriggerFnID, parameters, resolved.Credentials)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// dedupeToken computes md5(triggerId + "-" + item[dedupeKey]) when the
// trigger declares a dedupe key, else the canonical event hash.
func (s *Scheduler) dedupeToken(trigger *webhook.Trigger, entry map[string]any) string {
	if trigger.DedupeKey != "" {
		if value, ok := entry[trigger.DedupeKey]; ok {
			sum := md5.Sum([]byte(fmt.Sprintf("%s-%v", trigger.ID, value)))
			return hex.EncodeToString(sum[:])
		}
	}
	canonical, err := json.Marshal(entry)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", entry))
	}
	return webhook.EventHash(trigger.WorkflowID, trigger.ID, trigger.TriggerFnID, "polling", canonical)
}

func (s *Scheduler) ring(trigger *webhook.Trigger) *webhook.DedupeRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[trigger.ID]
	if !ok {
		ring = webhook.NewDedupeRing(trigger.DedupeState(), s.cfg.RingSize)
		s.rings[trigger.ID] = ring
	}
	return ring
}

// partitionOf assigns a trigger to a partition by id hash.
func (s *Scheduler) partitionOf(triggerID string) int {
	if s.cfg.Partitions <= 1 {
		return s.cfg.Partition
	}
	sum := md5.Sum([]byte(triggerID))
	return int(sum[0]) % s.cfg.Partitions
}

func pascalCase(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	var builder strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		builder.WriteString(strings.ToUpper(part[:1]))
		builder.WriteString(part[1:])
	}
	return builder.String()
}

func valueOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

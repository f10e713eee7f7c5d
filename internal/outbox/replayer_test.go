package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/queue"
)

type fakeStore struct {
	due         []*Record
	dispatched  []string
	rescheduled map[string]time.Time
	failed      map[string]string
}

func newFakeStore(records ...*Record) *fakeStore {
	return &fakeStore{due: records, rescheduled: map[string]time.Time{}, failed: map[string]string{}}
}

func (s *fakeStore) ClaimDue(ctx context.Context, limit int, leaseTTL time.Duration) ([]*Record, error) {
	due := s.due
	s.due = nil
	for _, record := range due {
		record.Attempts++
	}
	return due, nil
}

func (s *fakeStore) MarkDispatched(ctx context.Context, id string) error {
	s.dispatched = append(s.dispatched, id)
	return nil
}

func (s *fakeStore) Reschedule(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	s.rescheduled[id] = nextAttempt
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	s.failed[id] = lastError
	return nil
}

type fakeEnqueuer struct {
	err   error
	calls int
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, request *queue.RunRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ex-1", nil
}

type fakeAlerter struct {
	alerts []string
}

func (f *fakeAlerter) Alert(ctx context.Context, subject, detail string) {
	f.alerts = append(f.alerts, subject)
}

func record(id string, attempts int) *Record {
	payload, _ := json.Marshal(&queue.RunRequest{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		TriggerType:    queue.TriggerWebhook,
	})
	return &Record{ID: id, Payload: payload, Status: StatusPending, Attempts: attempts, CreatedAt: time.Now().UTC()}
}

func TestReplayerDispatchesPending(t *testing.T) {
	store := newFakeStore(record("r-1", 0), record("r-2", 0))
	enqueuer := &fakeEnqueuer{}
	replayer := NewReplayer(store, enqueuer, nil, slog.Default(), DefaultReplayerConfig())

	require.NoError(t, replayer.DrainOnce(context.Background()))
	assert.Equal(t, 2, enqueuer.calls)
	assert.ElementsMatch(t, []string{"r-1", "r-2"}, store.dispatched)
	assert.Empty(t, store.failed)
}

func TestReplayerReschedulesWithBackoff(t *testing.T) {
	store := newFakeStore(record("r-1", 0))
	enqueuer := &fakeEnqueuer{err: errors.New("queue briefly down")}
	replayer := NewReplayer(store, enqueuer, nil, slog.Default(), DefaultReplayerConfig())

	before := time.Now().UTC()
	require.NoError(t, replayer.DrainOnce(context.Background()))

	next, ok := store.rescheduled["r-1"]
	require.True(t, ok)
	// First retry: base backoff 2s.
	assert.WithinDuration(t, before.Add(2*time.Second), next, time.Second)
	assert.Empty(t, store.failed)
}

func TestReplayerExhaustsAfterMaxAttempts(t *testing.T) {
	store := newFakeStore(record("r-1", 4)) // claim bumps to 5 == MaxAttempts
	enqueuer := &fakeEnqueuer{err: errors.New("still down")}
	alerter := &fakeAlerter{}
	replayer := NewReplayer(store, enqueuer, alerter, slog.Default(), DefaultReplayerConfig())

	require.NoError(t, replayer.DrainOnce(context.Background()))
	assert.Contains(t, store.failed, "r-1")
	assert.NotEmpty(t, alerter.alerts)
	assert.Empty(t, store.rescheduled)
}

func TestReplayerQuotaRejectionFailsImmediately(t *testing.T) {
	store := newFakeStore(record("r-1", 0))
	enqueuer := &fakeEnqueuer{err: apperr.New(apperr.CodeExecutionQuotaExceeded, "cap reached")}
	replayer := NewReplayer(store, enqueuer, nil, slog.Default(), DefaultReplayerConfig())

	require.NoError(t, replayer.DrainOnce(context.Background()))
	assert.Contains(t, store.failed, "r-1")
	assert.Empty(t, store.rescheduled)
}

func TestReplayerUndecodablePayloadFails(t *testing.T) {
	broken := &Record{ID: "r-x", Payload: json.RawMessage(`{notjson`), Status: StatusPending}
	store := newFakeStore(broken)
	enqueuer := &fakeEnqueuer{}
	replayer := NewReplayer(store, enqueuer, nil, slog.Default(), DefaultReplayerConfig())

	require.NoError(t, replayer.DrainOnce(context.Background()))
	assert.Zero(t, enqueuer.calls)
	assert.Contains(t, store.failed, "r-x")
}

func TestBackoffCapped(t *testing.T) {
	cfg := DefaultReplayerConfig()
	cfg.MaxBackoff = 10 * time.Second
	store := newFakeStore(record("r-1", 3)) // claim bumps to 4
	enqueuer := &fakeEnqueuer{err: errors.New("down")}
	replayer := NewReplayer(store, enqueuer, nil, slog.Default(), cfg)

	before := time.Now().UTC()
	require.NoError(t, replayer.DrainOnce(context.Background()))
	next := store.rescheduled["r-1"]
	// Attempt 4: 2s << 3 = 16s, clamped to the 10s cap.
	assert.WithinDuration(t, before.Add(10*time.Second), next, time.Second)
}

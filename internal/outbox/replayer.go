package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowgrid/flowgrid/internal/apperr"
	"github.com/flowgrid/flowgrid/internal/queue"
)

// Enqueuer admits a run request into the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, request *queue.RunRequest) (string, error)
}

// Store is the persistence surface the replayer drives.
type Store interface {
	ClaimDue(ctx context.Context, limit int, leaseTTL time.Duration) ([]*Record, error)
	MarkDispatched(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
}

// Alerter receives operator-facing alerts for exhausted records.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

// ReplayerConfig tunes the replay loop
type ReplayerConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
	Interval    time.Duration
	LeaseTTL    time.Duration
}

// DefaultReplayerConfig matches the documented replay policy: 5 attempts,
// exponential backoff x2 from 2s capped at 5m.
func DefaultReplayerConfig() ReplayerConfig {
	return ReplayerConfig{
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		BatchSize:   50,
		Interval:    time.Second,
		LeaseTTL:    time.Minute,
	}
}

// Replayer drains pending outbox records into the execution queue and
// replays stuck entries with bounded exponential backoff.
type Replayer struct {
	repo     Store
	enqueuer Enqueuer
	alerter  Alerter
	logger   *slog.Logger
	cfg      ReplayerConfig
}

// NewReplayer creates an outbox replayer.
func NewReplayer(repo Store, enqueuer Enqueuer, alerter Alerter, logger *slog.Logger, cfg ReplayerConfig) *Replayer {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultReplayerConfig()
	}
	return &Replayer{repo: repo, enqueuer: enqueuer, alerter: alerter, logger: logger, cfg: cfg}
}

// Run drains the outbox until the context is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims and dispatches one batch of due records.
func (r *Replayer) DrainOnce(ctx context.Context) error {
	records, err := r.repo.ClaimDue(ctx, r.cfg.BatchSize, r.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	for _, record := range records {
		r.dispatch(ctx, record)
	}
	return nil
}

func (r *Replayer) dispatch(ctx context.Context, record *Record) {
	request, err := record.Request()
	if err != nil {
		// Undecodable payloads can never succeed.
		r.fail(ctx, record, err.Error())
		return
	}

	executionID, err := r.enqueuer.Enqueue(ctx, request)
	if err == nil {
		if err := r.repo.MarkDispatched(ctx, record.ID); err != nil {
			r.logger.Error("failed to finalize outbox record", "error", err, "record_id", record.ID)
		}
		r.logger.Debug("outbox record dispatched",
			"record_id", record.ID,
			"execution_id", executionID,
			"workflow_id", request.WorkflowID,
		)
		return
	}

	// Quota rejections are permanent for this delivery window; everything
	// else retries with backoff until attempts are exhausted.
	switch apperr.CodeOf(err) {
	case apperr.CodeExecutionQuotaExceeded, apperr.CodeUsageQuotaExceeded:
		r.fail(ctx, record, err.Error())
		return
	}

	if record.Attempts >= r.cfg.MaxAttempts {
		r.fail(ctx, record, err.Error())
		return
	}

	backoff := r.cfg.BaseBackoff << (record.Attempts - 1)
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}
	next := time.Now().UTC().Add(backoff)
	if err := r.repo.Reschedule(ctx, record.ID, next, err.Error()); err != nil {
		r.logger.Error("failed to reschedule outbox record", "error", err, "record_id", record.ID)
	}
	r.logger.Warn("outbox dispatch deferred",
		"record_id", record.ID,
		"attempt", record.Attempts,
		"next_attempt_at", next,
	)
}

func (r *Replayer) fail(ctx context.Context, record *Record, reason string) {
	if err := r.repo.MarkFailed(ctx, record.ID, reason); err != nil {
		r.logger.Error("failed to mark outbox record failed", "error", err, "record_id", record.ID)
	}
	r.logger.Error("outbox record exhausted", "record_id", record.ID, "reason", reason)
	if r.alerter != nil {
		r.alerter.Alert(ctx, "outbox record exhausted", record.ID+": "+reason)
	}
}

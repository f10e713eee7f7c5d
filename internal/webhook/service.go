package webhook

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/queue"
)

// OutboxAppender is the durable hand-off between ingestion and the queue.
type OutboxAppender interface {
	Append(ctx context.Context, request *queue.RunRequest) error
}

// TriggerStore is the persistence surface the ingestion service drives.
type TriggerStore interface {
	Create(ctx context.Context, trigger *Trigger) error
	GetByID(ctx context.Context, id string) (*Trigger, error)
	List(ctx context.Context, organizationID string, kind TriggerKind, limit, offset int) ([]*Trigger, error)
	SaveDedupeState(ctx context.Context, triggerID string, state DedupeState, triggeredAt time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	AppendLog(ctx context.Context, log *Log) error
}

// IngestOutcome classifies the result of an ingestion attempt
type IngestOutcome string

const (
	OutcomeAccepted  IngestOutcome = "accepted"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeFiltered  IngestOutcome = "filtered"
	OutcomeRejected  IngestOutcome = "rejected"
)

// IngestResult is the structured outcome returned to the HTTP layer
type IngestResult struct {
	Outcome     IngestOutcome `json:"outcome"`
	HTTPStatus  int           `json:"-"`
	Reason      string        `json:"reason,omitempty"`
	DedupeToken string        `json:"dedupe_token,omitempty"`
}

// Service handles webhook ingestion: verification, filtering, dedupe and
// outbox hand-off.
type Service struct {
	repo     TriggerStore
	outbox   OutboxAppender
	verifier *Verifier
	logger   *slog.Logger
	ringSize int

	// rings caches dedupe rings per trigger; mutation is serialized per trigger.
	mu    sync.Mutex
	rings map[string]*DedupeRing
}

// NewService creates a webhook ingestion service.
func NewService(repo TriggerStore, outbox OutboxAppender, verifier *Verifier, logger *slog.Logger, ringSize int) *Service {
	if ringSize <= 0 {
		ringSize = DefaultDedupeRingSize
	}
	return &Service{
		repo:     repo,
		outbox:   outbox,
		verifier: verifier,
		logger:   logger,
		ringSize: ringSize,
		rings:    make(map[string]*DedupeRing),
	}
}

// GenerateSecret generates a secure random signing secret.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// Register creates a webhook trigger registration with a fresh secret.
func (s *Service) Register(ctx context.Context, trigger *Trigger) error {
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.Kind = KindWebhook
	trigger.Active = true
	if trigger.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		trigger.Secret = secret
	}
	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	if err := s.repo.Create(ctx, trigger); err != nil {
		return err
	}
	s.logger.Info("webhook trigger registered",
		"trigger_id", trigger.ID,
		"workflow_id", trigger.WorkflowID,
		"connector_id", trigger.ConnectorID,
	)
	return nil
}

// Ingest processes an incoming webhook delivery end to end.
func (s *Service) Ingest(ctx context.Context, webhookID string, req *VerifyRequest) (*IngestResult, error) {
	trigger, err := s.repo.GetByID(ctx, webhookID)
	if err != nil {
		if err == ErrNotFound {
			return &IngestResult{Outcome: OutcomeRejected, HTTPStatus: http.StatusNotFound, Reason: "unknown webhook"}, nil
		}
		return nil, err
	}
	if !trigger.Active || trigger.Kind != KindWebhook {
		s.appendLog(ctx, trigger, LogRejected, "inactive", "")
		return &IngestResult{Outcome: OutcomeRejected, HTTPStatus: http.StatusGone, Reason: "webhook inactive"}, nil
	}

	provider := trigger.SignatureTemplate
	if provider == "" {
		provider = trigger.ConnectorID
	}
	verdict := s.verifier.Verify(provider, req, trigger.Secret)
	if !verdict.Valid {
		s.logger.Warn("webhook signature rejected",
			"trigger_id", trigger.ID,
			"provider", verdict.Provider,
			"reason", verdict.Reason,
		)
		s.appendLog(ctx, trigger, LogRejected, string(verdict.Reason), "")
		status := http.StatusUnauthorized
		if verdict.Reason == FailureProviderNotRegistered {
			status = http.StatusForbidden
		}
		return &IngestResult{Outcome: OutcomeRejected, HTTPStatus: status, Reason: string(verdict.Reason)}, nil
	}

	var payload map[string]any
	if len(req.RawBody) > 0 {
		if err := json.Unmarshal(req.RawBody, &payload); err != nil {
			payload = map[string]any{"raw": string(req.RawBody)}
		}
	}

	if filters := trigger.Filters(); len(filters) > 0 {
		if ok, failedPath := EvaluateFilters(filters, payload); !ok {
			s.appendLog(ctx, trigger, LogFiltered, failedPath, "")
			// Accepted at the HTTP level, not forwarded.
			return &IngestResult{Outcome: OutcomeFiltered, HTTPStatus: http.StatusOK, Reason: failedPath}, nil
		}
	}

	token := EventHash(trigger.WorkflowID, trigger.ID, trigger.TriggerFnID, "webhook", req.RawBody)
	ring := s.ring(trigger)
	if ring.Seen(token) {
		s.appendLog(ctx, trigger, LogDuplicate, "", token)
		return &IngestResult{Outcome: OutcomeDuplicate, HTTPStatus: http.StatusOK, DedupeToken: token}, nil
	}
	if err := s.repo.SaveDedupeState(ctx, trigger.ID, ring.Snapshot(), req.Now); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers))
	for name := range req.Headers {
		headers[name] = req.Headers.Get(name)
	}
	request := &queue.RunRequest{
		WorkflowID:     trigger.WorkflowID,
		OrganizationID: trigger.OrganizationID,
		UserID:         trigger.UserID,
		TriggerType:    queue.TriggerWebhook,
		TriggerData: &queue.TriggerData{
			AppID:       trigger.ConnectorID,
			TriggerID:   trigger.TriggerFnID,
			Payload:     json.RawMessage(req.RawBody),
			Headers:     headers,
			DedupeToken: token,
			Timestamp:   req.Now,
			Source:      "webhook",
		},
	}
	if err := s.outbox.Append(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to append to outbox: %w", err)
	}

	s.appendLog(ctx, trigger, LogAccepted, "", token)
	return &IngestResult{Outcome: OutcomeAccepted, HTTPStatus: http.StatusAccepted, DedupeToken: token}, nil
}

// EventHash computes the canonical dedupe token for an event delivery.
func EventHash(workflowID, webhookID, triggerID, source string, canonicalPayload []byte) string {
	h := md5.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", workflowID, webhookID, triggerID, source)
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// ring returns the cached dedupe ring for a trigger, seeding from the
// persisted state on first use.
func (s *Service) ring(trigger *Trigger) *DedupeRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[trigger.ID]
	if !ok {
		ring = NewDedupeRing(trigger.DedupeState(), s.ringSize)
		s.rings[trigger.ID] = ring
	}
	return ring
}

// Deactivate disables a trigger; in-flight deliveries drain normally.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.logger.Info("trigger deactivated", "trigger_id", id)
	return nil
}

// Remove deletes a trigger registration.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.rings, id)
	s.mu.Unlock()
	s.logger.Info("trigger removed", "trigger_id", id)
	return nil
}

// ListListeners returns an organization's trigger registrations.
func (s *Service) ListListeners(ctx context.Context, organizationID string, limit, offset int) ([]*Trigger, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, organizationID, "", limit, offset)
}

func (s *Service) appendLog(ctx context.Context, trigger *Trigger, status LogStatus, reason, token string) {
	entry := &Log{
		ID:          uuid.NewString(),
		TriggerID:   trigger.ID,
		WorkflowID:  trigger.WorkflowID,
		Status:      status,
		Reason:      reason,
		DedupeToken: token,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.logger.Error("failed to append webhook log", "error", err, "trigger_id", trigger.ID)
	}
}

package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/queue"
	"github.com/flowgrid/flowgrid/internal/webhook"
)

type handlerTriggerStore struct {
	triggers map[string]*webhook.Trigger
}

func (s *handlerTriggerStore) Create(ctx context.Context, trigger *webhook.Trigger) error {
	s.triggers[trigger.ID] = trigger
	return nil
}

func (s *handlerTriggerStore) GetByID(ctx context.Context, id string) (*webhook.Trigger, error) {
	trigger, ok := s.triggers[id]
	if !ok {
		return nil, webhook.ErrNotFound
	}
	return trigger, nil
}

func (s *handlerTriggerStore) List(ctx context.Context, organizationID string, kind webhook.TriggerKind, limit, offset int) ([]*webhook.Trigger, error) {
	return nil, nil
}

func (s *handlerTriggerStore) SaveDedupeState(ctx context.Context, triggerID string, state webhook.DedupeState, triggeredAt time.Time) error {
	return nil
}

func (s *handlerTriggerStore) SetActive(ctx context.Context, id string, active bool) error { return nil }
func (s *handlerTriggerStore) Delete(ctx context.Context, id string) error                 { return nil }
func (s *handlerTriggerStore) AppendLog(ctx context.Context, log *webhook.Log) error       { return nil }

type handlerOutbox struct {
	requests []*queue.RunRequest
}

func (o *handlerOutbox) Append(ctx context.Context, request *queue.RunRequest) error {
	o.requests = append(o.requests, request)
	return nil
}

func TestIngestEndpoint(t *testing.T) {
	secret := "gh-secret"
	store := &handlerTriggerStore{triggers: map[string]*webhook.Trigger{
		"wh-1": {
			ID:                "wh-1",
			Kind:              webhook.KindWebhook,
			WorkflowID:        "wf-1",
			OrganizationID:    "org-1",
			ConnectorID:       "github",
			TriggerFnID:       "push",
			Active:            true,
			Secret:            secret,
			SignatureTemplate: "github",
		},
	}}
	box := &handlerOutbox{}
	service := webhook.NewService(store, box, webhook.NewVerifier(false), slog.Default(), 500)
	handler := NewWebhookHandler(service, nil, nil, slog.Default())

	router := chi.NewRouter()
	router.Post("/api/webhooks/{webhookId}", handler.Ingest)

	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("accepted delivery", func(t *testing.T) {
		body := []byte(`{"action":"opened"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/wh-1", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, box.requests, 1)

		var envelope map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, true, envelope["success"])
	})

	t.Run("duplicate returns 200 and does not restage", func(t *testing.T) {
		body := []byte(`{"action":"opened"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/wh-1", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, box.requests, 1)
	})

	t.Run("bad signature is 401", func(t *testing.T) {
		body := []byte(`{"action":"opened","tampered":true}`)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/wh-1", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", "sha256=0000")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, false, envelope["success"])
	})

	t.Run("unknown webhook is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/ghost", bytes.NewReader([]byte(`{}`)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

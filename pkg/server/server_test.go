package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/control-plane/internal/config"
	"github.com/relaydesk/relaydesk/control-plane/internal/inbox"
	"github.com/relaydesk/relaydesk/control-plane/internal/notify"
	"github.com/relaydesk/relaydesk/control-plane/internal/triage"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/relaydesk/relaydesk/control-plane/pkg/server"
)

const openAIReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1780000000,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop",
    "message": {"role": "assistant", "content": "Orders ship within two business days."}}],
  "usage": {"prompt_tokens": 50, "completion_tokens": 9, "total_tokens": 59}
}`

type harness struct {
	t       *testing.T
	srv     *server.Server
	api     *httptest.Server
	mu      sync.Mutex
	webhook []notify.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAIReply)
	}))
	t.Cleanup(llm.Close)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		h.mu.Lock()
		h.webhook = append(h.webhook, ev)
		h.mu.Unlock()
	}))
	t.Cleanup(hook.Close)

	seed := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`documents:
  - id: shipping
    tenant_id: acme
    type: faq
    title: Shipping times
    content: Orders ship within two business days.
`), 0o644))

	cfg := config.Defaults()
	cfg.Auth.APIKeys = []string{"test-key"}
	cfg.Triage.OpenAIAPIKey = "sk-test"
	cfg.Triage.OpenAIBaseURL = llm.URL
	cfg.Triage.KnowledgeSeed = seed
	cfg.Notify.WebhookURL = hook.URL

	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close(context.Background()) })
	h.srv = srv

	h.api = httptest.NewServer(srv.Handler)
	t.Cleanup(h.api.Close)
	return h
}

func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.api.URL+path, rd)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("X-Tenant-Id", "acme")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_TriageLifecycle(t *testing.T) {
	h := newHarness(t)

	var conv models.Conversation
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/conversations", map[string]string{"id": "c1", "visitor_id": "v1"}, &conv))
	assert.Equal(t, models.AIStateNone, conv.AIWorkflowState)

	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/conversations/c1/messages", map[string]string{"content": "How long does shipping take?"}, nil))

	// Grounded answer: handled by automation.
	var res triage.Result
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/conversations/c1/triage", map[string]string{"query": "How long does shipping take?"}, &res))
	assert.False(t, res.Handoff)
	assert.Equal(t, "Orders ship within two business days.", res.Response)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "shipping", res.Sources[0].ID)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/conversations/c1", nil, &conv))
	assert.Equal(t, models.AIStateHandled, conv.AIWorkflowState)

	// Explicit human request: handed off, agent notified.
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/conversations/c1/triage", map[string]string{"query": "shipping is late, let me talk to someone"}, &res))
	assert.True(t, res.Handoff)
	assert.Equal(t, triage.ReasonHumanRequested, res.HandoffReason)

	done, err := h.srv.Worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	h.mu.Lock()
	require.Len(t, h.webhook, 1)
	assert.Equal(t, "c1", h.webhook[0].ConversationID)
	assert.Equal(t, triage.ReasonHumanRequested, h.webhook[0].Reason)
	h.mu.Unlock()

	// The inbox shows it under handoff.
	var page inbox.Page
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/inbox?ai_state=handoff", nil, &page))
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, triage.ReasonHumanRequested, page.Conversations[0].AIHandoffReason)

	// A later run while handed off still replies, without a second
	// transition or notification.
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/conversations/c1/triage", map[string]string{"query": "hello? talk to someone please"}, &res))
	assert.True(t, res.Handoff)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, triage.ReasonLowConfidence, res.HandoffReason)
	assert.NotEmpty(t, res.HandoffMessageID)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/conversations/c1", nil, &conv))
	assert.Equal(t, triage.ReasonHumanRequested, conv.AIHandoffReason)
	done, err = h.srv.Worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, done, "no new notification job")

	// Releasing returns it to automation.
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/conversations/c1/release", nil, &conv))
	assert.Equal(t, models.AIStateNone, conv.AIWorkflowState)
	assert.Empty(t, conv.AIHandoffReason)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/v1/conversations/c1/release", nil, nil))

	var recs []models.AIResponseRecord
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/responses", nil, &recs))
	assert.NotEmpty(t, recs)
}

func TestServer_AgentSettingsValidationAndDisable(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/conversations", map[string]string{"id": "c2"}, nil))

	settings := models.AgentSettings{Enabled: true, Model: "gpt-4o-mini", ConfidenceThreshold: 0.6}
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/api/v1/settings/agent", settings, nil))

	settings.Model = "anthropic/claude"
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/api/v1/settings/agent", settings, nil))

	settings.Model = ""
	settings.Enabled = false
	var saved models.AgentSettings
	require.Equal(t, http.StatusOK, h.do(http.MethodPut, "/api/v1/settings/agent", settings, &saved))
	assert.False(t, saved.Enabled)
	assert.Equal(t, "acme", saved.TenantID)

	var res triage.Result
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/conversations/c2/triage", map[string]string{"query": "hi"}, &res))
	assert.True(t, res.Handoff)
	assert.Equal(t, triage.ReasonAgentDisabled, res.HandoffReason)

	var diag struct {
		Diagnostic *models.Diagnostic `json:"diagnostic"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/diagnostics", nil, &diag))
	assert.Nil(t, diag.Diagnostic)
}

func TestServer_ErrorsAndAuth(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/v1/conversations/missing/triage", map[string]string{"query": "hi"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/v1/conversations/missing/triage", map[string]string{"query": " "}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/inbox?status=archived", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/inbox?limit=ten", nil, nil))

	resp, err := http.Get(h.api.URL + "/api/v1/inbox")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(h.api.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.api.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "go_goroutines")
}

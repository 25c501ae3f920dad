package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Tenant string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   string(body),
			Auth:   r.Header.Get("Authorization"),
			Tenant: r.Header.Get("X-Tenant-Id"),
		})

		key := r.Method + " " + r.URL.Path
		resp, ok := responses[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"conversation not found"}`))
			return
		}
		if resp == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(resp))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", ts.server.URL, "--api-key", "k1", "--tenant", "acme"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInboxCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/inbox": `{"conversations":[
			{"id":"c1","tenant_id":"acme","status":"open","ai_workflow_state":"handoff","ai_handoff_reason":"Sensitive topic detected","created_at":"2026-01-02T10:00:00Z"}
		],"next_cursor":"abc"}`,
	})

	out, err := ts.run(t, "inbox", "--ai-state", "handoff", "--limit", "5")
	require.NoError(t, err)

	require.Len(t, ts.requests, 1)
	req := ts.requests[0]
	assert.Equal(t, "/api/v1/inbox?ai_state=handoff&limit=5", req.Path)
	assert.Equal(t, "Bearer k1", req.Auth)
	assert.Equal(t, "acme", req.Tenant)

	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "Sensitive topic detected")
	assert.Contains(t, out, "--cursor abc")
}

func TestInboxCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/inbox": `{"conversations":[]}`,
	})
	out, err := ts.run(t, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/inbox", ts.requests[0].Path)
	assert.Contains(t, out, "No conversations.")
}

func TestTriageCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v1/conversations/c1/triage": `{"conversation_id":"c1","response":"Orders ship in two days.","handoff":false,"confidence":0.8,
			"sources":[{"type":"faq","id":"shipping","title":"Shipping times"}]}`,
	})

	out, err := ts.run(t, "triage", "c1", "when", "will", "it", "ship?")
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(ts.requests[0].Body), &body))
	assert.Equal(t, "when will it ship?", body["query"])

	assert.Contains(t, out, "Answered by AI")
	assert.Contains(t, out, "Confidence: 0.80")
	assert.Contains(t, out, "[faq] Shipping times (shipping)")
}

func TestTriageCommand_MissingArgs(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.run(t, "triage", "c1")
	require.Error(t, err)
	assert.Empty(t, ts.requests)
}

func TestReleaseCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.run(t, "release", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404: conversation not found")
	assert.Equal(t, "/api/v1/conversations/missing/release", ts.requests[0].Path)
}

func TestDiagnosticsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/diagnostics": `{"diagnostic":{"tenant_id":"acme","code":"MISSING_PROVIDER_CREDENTIALS","message":"no API key for openai","provider":"openai","model":"gpt-4o-mini","recorded_at":"2026-01-02T10:00:00Z"}}`,
		"DELETE /api/v1/diagnostics": "",
	})

	out, err := ts.run(t, "diagnostics")
	require.NoError(t, err)
	assert.Contains(t, out, "MISSING_PROVIDER_CREDENTIALS: no API key for openai")
	assert.Contains(t, out, "Model: openai/gpt-4o-mini")

	out, err = ts.run(t, "diagnostics", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Diagnostic cleared")
	assert.Equal(t, "DELETE", ts.requests[1].Method)
}

func TestSettingsSet_OnlyChangesGivenFlags(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/settings/agent": `{"tenant_id":"acme","enabled":true,"model":"openai/gpt-4o-mini","confidence_threshold":0.6,"handoff_message":"hold on"}`,
		"PUT /api/v1/settings/agent": `{"tenant_id":"acme","enabled":true,"confidence_threshold":0.75}`,
	})

	_, err := ts.run(t, "settings", "set", "--threshold", "0.75")
	require.NoError(t, err)
	require.Len(t, ts.requests, 2)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(ts.requests[1].Body), &sent))
	assert.Equal(t, 0.75, sent["confidence_threshold"])
	assert.Equal(t, "openai/gpt-4o-mini", sent["model"])
	assert.Equal(t, "hold on", sent["handoff_message"])
	assert.Equal(t, true, sent["enabled"])
}

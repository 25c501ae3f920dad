package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relaydesk/relaydesk/control-plane/internal/diagnostics"
	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

type harness struct {
	store       *store.MemoryStore
	gen         *scriptedGenerator
	sender      *recordingSender
	handoff     *storeHandoff
	workflow    *storeWorkflow
	knowledge   *staticKnowledge
	settings    *models.AgentSettings
	settingsErr error
	hasCred     bool
	model       string
	pipeline    *Pipeline
}

func newHarness(t *testing.T, replies ...generatorReply) *harness {
	t.Helper()
	s := store.NewMemoryStore("", 0)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateConversation(context.Background(), &models.Conversation{ID: "c1", TenantID: tenant}))

	sender := &recordingSender{}
	h := &harness{
		store:     s,
		gen:       &scriptedGenerator{replies: replies},
		sender:    sender,
		handoff:   &storeHandoff{store: s, sender: sender},
		workflow:  &storeWorkflow{store: s},
		knowledge: &staticKnowledge{},
		hasCred:   true,
		model:     "openai/gpt-4o-mini",
	}
	return h
}

func (h *harness) build() *Pipeline {
	h.pipeline = NewPipeline(Config{
		DefaultModel:  h.model,
		HasCredential: func(string) bool { return h.hasCred },
		RetryLimit:    DefaultRetryLimit,
		HistoryLimit:  10,

		DefaultConfidenceThreshold: 0.6,
	}, Deps{
		Authorizer:  storeAuthorizer{store: h.store},
		Settings:    staticSettings{settings: h.settings, err: h.settingsErr},
		Knowledge:   h.knowledge,
		History:     h.store,
		Generator:   h.gen,
		Sender:      h.sender,
		Handoff:     h.handoff,
		Workflow:    h.workflow,
		Analytics:   h.store,
		Diagnostics: diagnostics.NewRecorder(h.store, nil),
	})
	return h.pipeline
}

func (h *harness) run(t *testing.T, query string) *Result {
	t.Helper()
	res, err := h.build().Run(context.Background(), Request{TenantID: tenant, ConversationID: "c1", Query: query})
	require.NoError(t, err)
	return res
}

func (h *harness) conversation(t *testing.T) *models.Conversation {
	t.Helper()
	c, err := h.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, c.CheckWorkflowInvariant())
	return c
}

func (h *harness) diagnostic(t *testing.T) *models.Diagnostic {
	t.Helper()
	d, err := h.store.GetDiagnostic(context.Background(), tenant)
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return nil
	}
	require.NoError(t, err)
	return d
}

func (h *harness) responses(t *testing.T) []models.AIResponseRecord {
	t.Helper()
	r, err := h.store.ListResponses(context.Background(), tenant, 10)
	require.NoError(t, err)
	return r
}

// handOff puts c1 into handoff as an earlier run would have.
func (h *harness) handOff(t *testing.T, reason string) {
	t.Helper()
	_, err := h.store.CompareAndSwapWorkflow(context.Background(), "c1", models.AIStateNone, store.WorkflowUpdate{
		State: models.AIStateHandoff, HandoffReason: reason,
	})
	require.NoError(t, err)
}

func relevant(score float64) []models.KnowledgeSnippet {
	return []models.KnowledgeSnippet{
		{Type: "article", ID: "kb-1", Title: "Shipping times", Content: "Orders ship in 2 days.", RelevanceScore: score},
	}
}

// ── Success paths ───────────────────────────────────────────

func TestPipeline_ConfidentAnswerIsAIHandled(t *testing.T) {
	h := newHarness(t, text("Orders ship within 2 days according to our shipping policy."))
	h.knowledge.snippets = relevant(10)
	require.NoError(t, h.store.PutDiagnostic(context.Background(), &models.Diagnostic{TenantID: tenant, Code: models.DiagGenerationFailed}))

	res := h.run(t, "How long does shipping take?")

	assert.False(t, res.Handoff)
	assert.Equal(t, "msg-1", res.MessageID)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.8, *res.Confidence, 1e-9)
	assert.Equal(t, []models.SourceRef{{Type: "article", ID: "kb-1", Title: "Shipping times"}}, res.Sources)

	conv := h.conversation(t)
	assert.Equal(t, models.AIStateHandled, conv.AIWorkflowState)
	assert.Nil(t, h.diagnostic(t), "successful validation clears the diagnostic")

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, contracts.AIAgentSenderID, h.sender.sent[0].SenderID)

	recs := h.responses(t)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].HandedOff)
	assert.Equal(t, "msg-1", recs[0].MessageID)
	assert.Equal(t, "openai", recs[0].Provider)
	assert.Equal(t, "gpt-4o-mini", recs[0].Model)
}

func TestPipeline_LowConfidenceHandsOffAfterAnswering(t *testing.T) {
	h := newHarness(t, text("I'm not sure, but it might ship soon."))
	res := h.run(t, "When will it ship?")

	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonLowConfidence, res.HandoffReason)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Equal(t, "msg-2", res.HandoffMessageID)

	conv := h.conversation(t)
	assert.Equal(t, models.AIStateHandoff, conv.AIWorkflowState)
	assert.Equal(t, ReasonLowConfidence, conv.AIHandoffReason)

	recs := h.responses(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].HandedOff)
	assert.Equal(t, ReasonLowConfidence, recs[0].HandoffReason)

	require.Len(t, h.sender.sent, 2)
	assert.Equal(t, models.DefaultHandoffMessage, h.sender.sent[1].Content)
	assert.Equal(t, 0, h.workflow.calls)
}

func TestPipeline_QueryRules(t *testing.T) {
	tests := []struct {
		query, response, reason string
	}{
		{"I want to talk to someone", "Our team can help with that question.", ReasonHumanRequested},
		{"How do I get a refund?", "Refunds are processed within 5 days.", ReasonSensitiveTopic},
		{"Where is my package?", "Let me connect you with our shipping team.", ReasonAIIndicated},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness(t, text(tt.response))
			h.knowledge.snippets = relevant(8)

			res := h.run(t, tt.query)
			assert.True(t, res.Handoff)
			assert.Equal(t, tt.reason, res.HandoffReason)
			assert.Equal(t, tt.reason, h.conversation(t).AIHandoffReason)
		})
	}
}

func TestPipeline_UsesTenantThresholdAndSources(t *testing.T) {
	h := newHarness(t, text("Orders ship in two days."))
	h.settings = &models.AgentSettings{
		TenantID: tenant, Enabled: true, ConfidenceThreshold: 0.45,
		KnowledgeSources: []string{"faq"}, Personality: "Be brief.",
	}

	res := h.run(t, "shipping?")
	assert.False(t, res.Handoff, "0.5 clears a 0.45 threshold")
	assert.Equal(t, []string{"faq"}, h.knowledge.gotTypes)
	assert.Contains(t, h.gen.calls[0].SystemPrompt, "Be brief.")
}

func TestPipeline_RetryRecoversFromEmptyOutput(t *testing.T) {
	h := newHarness(t, text(""), text("Orders ship in two days."))
	h.knowledge.snippets = relevant(10)

	res := h.run(t, "shipping?")
	assert.False(t, res.Handoff)
	assert.Len(t, h.gen.calls, 2)
	assert.Nil(t, h.diagnostic(t))
	assert.Equal(t, "Orders ship in two days.", res.Response)
	assert.Equal(t, int64(200), res.Usage.InputTokens)
	assert.Equal(t, int64(24), res.Usage.OutputTokens)
	assert.Equal(t, int64(224), res.Usage.TotalTokens, "usage covers the empty attempt too")

	recs := h.responses(t)
	require.Len(t, recs, 1)
	assert.Equal(t, res.Usage, recs[0].Usage)
}

func TestPipeline_SettingsErrorUsesConfiguredThreshold(t *testing.T) {
	h := newHarness(t, text("Orders ship in two days."))
	h.settingsErr = errors.New("settings table locked")

	// 0.5 without knowledge is below the configured 0.6.
	res := h.run(t, "shipping?")
	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonLowConfidence, res.HandoffReason)

	h = newHarness(t, text("Orders ship in two days."))
	h.settingsErr = errors.New("settings table locked")
	h.build()
	h.pipeline.cfg.DefaultConfidenceThreshold = 0.4
	res, err := h.pipeline.Run(context.Background(), Request{TenantID: tenant, ConversationID: "c1", Query: "shipping?"})
	require.NoError(t, err)
	assert.False(t, res.Handoff)
}

func TestPipeline_HistoryExcludesCurrentQuery(t *testing.T) {
	h := newHarness(t, text("Sure, it ships tomorrow."))
	ctx := context.Background()
	for i, m := range []models.Message{
		{ID: "m1", SenderType: models.SenderVisitor, Content: "hi"},
		{ID: "m2", SenderType: models.SenderBot, Content: "Hello! How can I help?"},
		{ID: "m3", SenderType: models.SenderVisitor, Content: "when does it ship?"},
	} {
		m.ConversationID = "c1"
		m.CreatedAt = time.Date(2026, 6, 1, 10, i, 0, 0, time.UTC)
		require.NoError(t, h.store.CreateMessage(ctx, &m))
	}

	h.run(t, "when does it ship?")
	msgs := h.gen.calls[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, models.ChatMessage{Role: "user", Content: "when does it ship?"}, msgs[2])
}

// ── Failure paths ───────────────────────────────────────────

func TestPipeline_DisabledAgentHandsOffWithoutTouchingDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.settings = &models.AgentSettings{TenantID: tenant, Enabled: false, HandoffMessage: "A teammate will be right with you."}
	existing := &models.Diagnostic{TenantID: tenant, Code: models.DiagMissingModel, Message: "old"}
	require.NoError(t, h.store.PutDiagnostic(context.Background(), existing))

	res := h.run(t, "hello")

	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonAgentDisabled, res.HandoffReason)
	assert.Empty(t, h.gen.calls)
	assert.Equal(t, models.DiagMissingModel, h.diagnostic(t).Code)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "A teammate will be right with you.", h.sender.sent[0].Content)
	assert.Empty(t, h.responses(t))
}

func TestPipeline_InvalidConfigurationRecordsDiagnostic(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		hasCred bool
		code    models.DiagnosticCode
	}{
		{"missing model", "", true, models.DiagMissingModel},
		{"bad format", "gpt-4o", true, models.DiagInvalidModelFormat},
		{"unsupported provider", "anthropic/claude-3", true, models.DiagUnsupportedProvider},
		{"missing credentials", "openai/gpt-4o-mini", false, models.DiagMissingProviderCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.model = tt.model
			h.hasCred = tt.hasCred

			res := h.run(t, "hello")

			diag := h.diagnostic(t)
			require.NotNil(t, diag)
			assert.Equal(t, tt.code, diag.Code)
			assert.Equal(t, tenant, diag.TenantID)

			assert.True(t, res.Handoff)
			assert.Equal(t, diag.Message, res.HandoffReason)
			assert.Equal(t, models.AIStateHandoff, h.conversation(t).AIWorkflowState)
			assert.Empty(t, h.gen.calls)
			assert.Len(t, h.sender.sent, 1)
		})
	}
}

func TestPipeline_TenantModelOverridesDefault(t *testing.T) {
	h := newHarness(t)
	h.settings = &models.AgentSettings{TenantID: tenant, Enabled: true, Model: "cohere/command", ConfidenceThreshold: 0.6}

	h.run(t, "hello")
	assert.Equal(t, models.DiagUnsupportedProvider, h.diagnostic(t).Code)
}

func TestPipeline_GenerationFailure(t *testing.T) {
	h := newHarness(t, failure("upstream 500"))
	res := h.run(t, "hello")

	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonGenerationError, res.HandoffReason)
	assert.Len(t, h.gen.calls, 1, "provider errors are not retried")

	diag := h.diagnostic(t)
	require.NotNil(t, diag)
	assert.Equal(t, models.DiagGenerationFailed, diag.Code)
	assert.Contains(t, diag.Message, "upstream 500")
	assert.Equal(t, "openai", diag.Provider)
	assert.Empty(t, h.responses(t))
}

func TestPipeline_EmptyResponseExhausted(t *testing.T) {
	h := newHarness(t, text(""), text("  "))
	res := h.run(t, "hello")

	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonEmptyResponse, res.HandoffReason)

	diag := h.diagnostic(t)
	require.NotNil(t, diag)
	assert.Equal(t, models.DiagEmptyGenerationResponse, diag.Code)
	assert.NotEmpty(t, diag.Detail)
	assert.LessOrEqual(t, len(diag.Detail), MaxTelemetryChars)
	assert.Contains(t, diag.Detail, `"retry":true`)
}

func TestPipeline_HandoffFailureFallsBackToApology(t *testing.T) {
	h := newHarness(t)
	h.model = ""
	h.handoff.failing = true

	res := h.run(t, "hello")

	assert.True(t, res.Handoff)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, ApologyMessage, h.sender.sent[0].Content)
	assert.Equal(t, "msg-1", res.HandoffMessageID)
}

func TestPipeline_ApologyFailureStillReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.model = ""
	h.handoff.failing = true
	h.sender.failing = true

	res, err := h.build().Run(context.Background(), Request{TenantID: tenant, ConversationID: "c1", Query: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Handoff)
}

func TestPipeline_ResponseDeliveryFailureHandsOff(t *testing.T) {
	h := newHarness(t, text("Orders ship in two days."))
	h.knowledge.snippets = relevant(10)
	h.sender.failing = true

	res := h.run(t, "shipping?")
	assert.True(t, res.Handoff)
	assert.Equal(t, ReasonDeliveryFailed, res.HandoffReason)
	assert.Equal(t, models.AIStateHandoff, h.conversation(t).AIWorkflowState)
}

func TestPipeline_KnowledgeErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, text("We ship every weekday."))
	h.knowledge.err = errors.New("index offline")

	res := h.run(t, "shipping?")
	assert.False(t, res.Handoff)
	assert.Contains(t, h.gen.calls[0].SystemPrompt, "No relevant knowledge base articles found.")
}

// ── Preconditions and concurrency ───────────────────────────

func TestPipeline_ForeignTenantIsRejectedWithoutWrites(t *testing.T) {
	h := newHarness(t, text("unused"))
	res, err := h.build().Run(context.Background(), Request{TenantID: "intruder", ConversationID: "c1", Query: "hi"})

	assert.Nil(t, res)
	var pre *PreconditionError
	require.True(t, errors.As(err, &pre))
	assert.Equal(t, "intruder", pre.TenantID)

	assert.Empty(t, h.gen.calls)
	assert.Empty(t, h.sender.sent)
	assert.Nil(t, h.diagnostic(t))
	assert.Equal(t, models.AIStateNone, h.conversation(t).AIWorkflowState)
}

func TestPipeline_UnknownConversationIsPrecondition(t *testing.T) {
	h := newHarness(t)
	_, err := h.build().Run(context.Background(), Request{TenantID: tenant, ConversationID: "missing"})
	var pre *PreconditionError
	assert.True(t, errors.As(err, &pre))
}

func TestPipeline_HandedOffConversationStillGetsReply(t *testing.T) {
	h := newHarness(t, text("I'm not sure."), text("I'm not sure either."))

	first := h.run(t, "question one")
	require.True(t, first.Handoff)
	require.False(t, first.Deduplicated)

	second := h.run(t, "please refund me")
	assert.True(t, second.Handoff)
	assert.False(t, second.Deduplicated)
	assert.Equal(t, ReasonLowConfidence, second.HandoffReason)
	assert.NotEmpty(t, second.MessageID)
	assert.NotEmpty(t, second.HandoffMessageID)

	assert.Len(t, h.handoff.calls, 1, "no second transition")
	assert.Equal(t, ReasonLowConfidence, h.conversation(t).AIHandoffReason)
}

func TestPipeline_FailuresOnHandedOffConversation(t *testing.T) {
	tests := []struct {
		name    string
		replies []generatorReply
		prepare func(h *harness)
		reason  func(t *testing.T, h *harness) string
	}{
		{
			name:    "agent disabled",
			prepare: func(h *harness) { h.settings = &models.AgentSettings{TenantID: tenant, Enabled: false} },
			reason:  func(*testing.T, *harness) string { return ReasonAgentDisabled },
		},
		{
			name:    "invalid configuration",
			prepare: func(h *harness) { h.model = "" },
			reason:  func(t *testing.T, h *harness) string { return h.diagnostic(t).Message },
		},
		{
			name:    "generation failure",
			replies: []generatorReply{failure("upstream 500")},
			reason:  func(*testing.T, *harness) string { return ReasonGenerationError },
		},
		{
			name:    "empty generation",
			replies: []generatorReply{text(""), text(" ")},
			reason:  func(*testing.T, *harness) string { return ReasonEmptyResponse },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.replies...)
			h.handOff(t, ReasonHumanRequested)
			if tt.prepare != nil {
				tt.prepare(h)
			}

			res := h.run(t, "hello, anyone there?")

			assert.True(t, res.Handoff)
			assert.False(t, res.Deduplicated)
			assert.Equal(t, tt.reason(t, h), res.HandoffReason, "reports this run's reason")
			require.Len(t, h.sender.sent, 1, "the visitor always gets a reply")
			assert.Equal(t, models.DefaultHandoffMessage, h.sender.sent[0].Content)
			assert.Equal(t, "msg-1", res.HandoffMessageID)

			assert.Empty(t, h.handoff.calls)
			conv := h.conversation(t)
			assert.Equal(t, models.AIStateHandoff, conv.AIWorkflowState)
			assert.Equal(t, ReasonHumanRequested, conv.AIHandoffReason)
		})
	}
}

func TestPipeline_HandoffRaceLoserIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.model = ""
	h.handoff.beforeSwap = func() { h.handOff(t, ReasonHumanRequested) }

	res := h.run(t, "hello")

	assert.True(t, res.Handoff)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, ReasonHumanRequested, res.HandoffReason, "reports the winner's reason")
	assert.Empty(t, res.HandoffMessageID)
	assert.Empty(t, h.sender.sent)
}

func TestPipeline_RecordsMetrics(t *testing.T) {
	h := newHarness(t, failure("boom"))
	reg := prometheus.NewRegistry()

	p := h.build()
	p.deps.Metrics = metrics.NewRecorder(reg)
	_, err := p.Run(context.Background(), Request{TenantID: tenant, ConversationID: "c1", Query: "hi"})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "relaydesk_triage_runs_total", "relaydesk_generation_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

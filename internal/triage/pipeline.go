package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/control-plane/internal/diagnostics"
	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ApologyMessage is posted when the handoff itself could not be delivered.
const ApologyMessage = "Sorry, something went wrong on our side. A member of our team will follow up with you here shortly."

// Run outcomes reported in metrics and logs.
const (
	outcomeAIHandled    = "ai_handled"
	outcomeHandoff      = "handoff"
	outcomeDeduplicated = "deduplicated"
	outcomeRejected     = "rejected"
)

// PreconditionError is the only error Run returns: the conversation could
// not be loaded or does not belong to the tenant. Nothing was written.
type PreconditionError struct {
	TenantID       string
	ConversationID string
	Err            error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("triage precondition failed for conversation %s (tenant %s): %v", e.ConversationID, e.TenantID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Config holds the server-wide pipeline settings.
type Config struct {
	// DefaultModel is used when the tenant has not picked a model.
	DefaultModel string
	// HasCredential reports whether credentials exist for a provider.
	HasCredential   func(provider string) bool
	MaxOutputTokens int
	RetryLimit      int
	KnowledgeLimit  int
	HistoryLimit    int

	// DefaultConfidenceThreshold applies when tenant settings cannot be
	// loaded.
	DefaultConfidenceThreshold float64
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Authorizer  contracts.ConversationAuthorizer
	Settings    contracts.AgentSettingsSource
	Knowledge   contracts.KnowledgeRetriever
	History     contracts.HistorySource
	Generator   contracts.TextGenerator
	Sender      contracts.MessageSender
	Handoff     contracts.HandoffTrigger
	Workflow    contracts.WorkflowWriter
	Analytics   contracts.ResponseAnalyticsStore
	Diagnostics *diagnostics.Recorder
	Metrics     *metrics.Recorder
}

// Request asks the pipeline to answer query in a conversation.
type Request struct {
	TenantID       string
	ConversationID string
	Query          string
}

// Result describes what automation did. The conversation always receives
// at least one new message unless Deduplicated is set.
type Result struct {
	ConversationID   string             `json:"conversation_id"`
	Response         string             `json:"response,omitempty"`
	MessageID        string             `json:"message_id,omitempty"`
	Handoff          bool               `json:"handoff"`
	HandoffReason    string             `json:"handoff_reason,omitempty"`
	HandoffMessageID string             `json:"handoff_message_id,omitempty"`
	Deduplicated     bool               `json:"deduplicated,omitempty"`
	Confidence       *float64           `json:"confidence,omitempty"`
	Sources          []models.SourceRef `json:"sources,omitempty"`
	Usage            models.TokenUsage  `json:"usage"`
	Model            string             `json:"model,omitempty"`
}

// Pipeline runs automated triage for one visitor message at a time. Runs
// share no mutable state.
type Pipeline struct {
	cfg          Config
	deps         Deps
	orchestrator *Orchestrator
	now          func() time.Time
}

func NewPipeline(cfg Config, deps Deps) *Pipeline {
	if cfg.KnowledgeLimit <= 0 || cfg.KnowledgeLimit > MaxKnowledgeSnippets {
		cfg.KnowledgeLimit = MaxKnowledgeSnippets
	}
	if cfg.DefaultConfidenceThreshold < 0 || cfg.DefaultConfidenceThreshold > 1 {
		cfg.DefaultConfidenceThreshold = models.DefaultConfidenceThreshold
	}
	if cfg.HasCredential == nil {
		cfg.HasCredential = func(string) bool { return false }
	}
	return &Pipeline{
		cfg:          cfg,
		deps:         deps,
		orchestrator: NewOrchestrator(deps.Generator, cfg.RetryLimit),
		now:          time.Now,
	}
}

// Run executes the pipeline. Configuration, generation and delivery
// failures end in a handoff and never surface as errors.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := p.now()
	ctx, span := otel.Tracer("relaydesk/triage").Start(ctx, "triage.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("relaydesk.tenant", req.TenantID),
		attribute.String("relaydesk.conversation", req.ConversationID),
	)

	logger := log.With().Str("tenant", req.TenantID).Str("conversation", req.ConversationID).Logger()

	conv, err := p.deps.Authorizer.Authorize(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precondition failed")
		p.deps.Metrics.ObserveTriage(outcomeRejected, "", p.now().Sub(start))
		return nil, &PreconditionError{TenantID: req.TenantID, ConversationID: req.ConversationID, Err: err}
	}

	res := p.run(ctx, conv, req)

	outcome := outcomeAIHandled
	switch {
	case res.Deduplicated:
		outcome = outcomeDeduplicated
	case res.Handoff:
		outcome = outcomeHandoff
	}
	span.SetAttributes(
		attribute.String("relaydesk.outcome", outcome),
		attribute.String("relaydesk.handoff_reason", res.HandoffReason),
		attribute.Int64("relaydesk.tokens", res.Usage.TotalTokens),
	)
	reason := res.HandoffReason
	if res.Deduplicated {
		reason = ""
	}
	p.deps.Metrics.ObserveTriage(outcome, reason, p.now().Sub(start))

	logger.Info().
		Str("outcome", outcome).
		Str("reason", res.HandoffReason).
		Dur("elapsed", p.now().Sub(start)).
		Msg("Triage complete")

	return res, nil
}

func (p *Pipeline) run(ctx context.Context, conv *models.Conversation, req Request) *Result {
	logger := log.With().Str("tenant", req.TenantID).Str("conversation", conv.ID).Logger()
	res := &Result{ConversationID: conv.ID}

	settings := p.settings(ctx, req.TenantID)

	if !settings.Enabled {
		p.handoff(ctx, conv, res, settings, ReasonAgentDisabled, nil)
		return res
	}

	// ── Configuration ───────────────────────────────────────
	rawModel := settings.Model
	if strings.TrimSpace(rawModel) == "" {
		rawModel = p.cfg.DefaultModel
	}
	ref, parsed := ParseModelID(rawModel)
	hasCred := parsed && p.cfg.HasCredential(ref.Provider)
	if diag := ValidateModelConfig(rawModel, hasCred); diag != nil {
		p.recordDiagnostic(ctx, req.TenantID, diag)
		p.handoff(ctx, conv, res, settings, diag.Message, nil)
		return res
	}
	res.Model = ref.String()

	if err := p.deps.Diagnostics.Clear(ctx, req.TenantID); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear diagnostic")
	}

	// ── Context ─────────────────────────────────────────────
	snippets, err := p.deps.Knowledge.Retrieve(ctx, req.TenantID, req.Query, settings.KnowledgeSources, p.cfg.KnowledgeLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Knowledge retrieval failed, answering without context")
		snippets = nil
	}
	if len(snippets) > p.cfg.KnowledgeLimit {
		snippets = snippets[:p.cfg.KnowledgeLimit]
	}
	systemPrompt := BuildSystemPrompt(settings.Personality, FormatKnowledgeContext(snippets))

	// ── Generation ──────────────────────────────────────────
	outcome := p.orchestrator.Generate(ctx, GenerationInput{
		Model:           ref,
		SystemPrompt:    systemPrompt,
		History:         p.history(ctx, conv.ID, req.Query),
		Query:           req.Query,
		MaxOutputTokens: p.cfg.MaxOutputTokens,
	})
	res.Usage = outcome.Usage
	p.observeAttempts(ref, outcome)

	switch outcome.State {
	case OutcomeHardFailure:
		p.recordDiagnostic(ctx, req.TenantID, &models.Diagnostic{
			Code:     models.DiagGenerationFailed,
			Message:  fmt.Sprintf("AI generation failed: %v", outcome.Err),
			Provider: ref.Provider,
			Model:    ref.Model,
			Detail:   outcome.TelemetryJSON(),
		})
		p.handoff(ctx, conv, res, settings, ReasonGenerationError, nil)
		return res

	case OutcomeExhausted:
		p.recordDiagnostic(ctx, req.TenantID, &models.Diagnostic{
			Code:     models.DiagEmptyGenerationResponse,
			Message:  fmt.Sprintf("AI model returned an empty response after %d attempts", len(outcome.Attempts)),
			Provider: ref.Provider,
			Model:    ref.Model,
			Detail:   outcome.TelemetryJSON(),
		})
		p.handoff(ctx, conv, res, settings, ReasonEmptyResponse, nil)
		return res
	}

	// ── Decision ────────────────────────────────────────────
	confidence := ScoreConfidence(snippets, outcome.Text)
	decision := DecideHandoff(outcome.Text, confidence, settings.ConfidenceThreshold, req.Query)
	res.Confidence = &confidence
	res.Response = outcome.Text
	res.Sources = SourcesFromSnippets(snippets)

	msgID, err := p.deps.Sender.SendBotMessage(ctx, conv.ID, contracts.AIAgentSenderID, outcome.Text)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to deliver AI response")
		if !decision.Handoff {
			decision = Decision{Handoff: true, Reason: ReasonDeliveryFailed}
		}
	}
	res.MessageID = msgID

	record := &models.AIResponseRecord{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		ConversationID:   conv.ID,
		MessageID:        msgID,
		Query:            req.Query,
		Response:         outcome.Text,
		Sources:          res.Sources,
		Confidence:       confidence,
		HandedOff:        decision.Handoff,
		HandoffReason:    decision.Reason,
		GenerationTimeMs: outcome.Duration.Milliseconds(),
		Usage:            outcome.Usage,
		Model:            ref.Model,
		Provider:         ref.Provider,
		CreatedAt:        p.now().UTC(),
	}
	if err := p.deps.Analytics.AppendResponse(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("Failed to record AI response analytics")
	}

	if decision.Handoff {
		p.handoff(ctx, conv, res, settings, decision.Reason, &confidence)
		return res
	}

	if _, err := p.deps.Workflow.MarkAIHandled(ctx, conv, confidence); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark conversation as AI handled")
	}
	return res
}

// handoff hands the conversation to a human and fills res. conv is the
// snapshot taken when the run started. A conversation that was already
// handed off then gets the handoff message again without a new
// transition. A handoff that loses the race to a concurrent run posts
// nothing. A failed delivery falls back to the apology message.
func (p *Pipeline) handoff(ctx context.Context, conv *models.Conversation, res *Result, settings *models.AgentSettings, reason string, confidence *float64) {
	res.Handoff = true
	res.HandoffReason = reason

	if conv.WorkflowState() == models.AIStateHandoff {
		log.Info().
			Str("conversation", conv.ID).
			Str("reason", reason).
			Str("existing_reason", conv.AIHandoffReason).
			Msg("Conversation already with a human, repeating handoff message")
		text := settings.HandoffText()
		id, err := p.deps.Sender.SendBotMessage(ctx, conv.ID, contracts.AIAgentSenderID, text)
		if err != nil {
			log.Error().Err(err).Str("conversation", conv.ID).Msg("Failed to post handoff message, sending apology")
			p.apologize(ctx, conv, res)
			return
		}
		res.HandoffMessageID = id
		if res.Response == "" {
			res.Response = text
		}
		return
	}

	out, err := p.deps.Handoff.TriggerHandoff(ctx, contracts.HandoffRequest{
		Conversation: conv,
		Reason:       reason,
		Confidence:   confidence,
		Message:      settings.HandoffText(),
	})

	var conflict *contracts.HandoffConflictError
	switch {
	case errors.As(err, &conflict):
		res.Deduplicated = true
		res.HandoffReason = conflict.Reason
		log.Info().
			Str("conversation", conv.ID).
			Str("reason", conflict.Reason).
			Msg("Lost handoff race to a concurrent run, skipping duplicate handoff")

	case err != nil:
		log.Error().Err(err).Str("conversation", conv.ID).Str("reason", reason).Msg("Handoff failed, sending apology")
		p.apologize(ctx, conv, res)

	default:
		res.HandoffMessageID = out.MessageID
		if res.Response == "" {
			res.Response = out.Message
		}
	}
}

func (p *Pipeline) apologize(ctx context.Context, conv *models.Conversation, res *Result) {
	id, err := p.deps.Sender.SendBotMessage(ctx, conv.ID, contracts.AIAgentSenderID, ApologyMessage)
	if err != nil {
		log.Error().Err(err).Str("conversation", conv.ID).Msg("Failed to send apology message")
		return
	}
	res.HandoffMessageID = id
	if res.Response == "" {
		res.Response = ApologyMessage
	}
}

// settings returns the tenant's agent settings or the defaults.
func (p *Pipeline) settings(ctx context.Context, tenantID string) *models.AgentSettings {
	s, err := p.deps.Settings.AgentSettings(ctx, tenantID)
	if err != nil || s == nil {
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenantID).Msg("Failed to load agent settings, using defaults")
		}
		d := models.DefaultAgentSettings(tenantID)
		d.ConfidenceThreshold = p.cfg.DefaultConfidenceThreshold
		return &d
	}
	return s
}

// history converts recent messages into chat turns. A trailing visitor
// message equal to the query is dropped since the query is appended again.
func (p *Pipeline) history(ctx context.Context, conversationID, query string) []models.ChatMessage {
	if p.deps.History == nil || p.cfg.HistoryLimit <= 0 {
		return nil
	}
	msgs, err := p.deps.History.RecentMessages(ctx, conversationID, p.cfg.HistoryLimit+1)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("Failed to load conversation history")
		return nil
	}
	if n := len(msgs); n > 0 && msgs[n-1].SenderType == models.SenderVisitor &&
		strings.TrimSpace(msgs[n-1].Content) == strings.TrimSpace(query) {
		msgs = msgs[:n-1]
	}
	if len(msgs) > p.cfg.HistoryLimit {
		msgs = msgs[len(msgs)-p.cfg.HistoryLimit:]
	}

	turns := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "assistant"
		if m.SenderType == models.SenderVisitor {
			role = "user"
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, models.ChatMessage{Role: role, Content: m.Content})
	}
	return turns
}

func (p *Pipeline) recordDiagnostic(ctx context.Context, tenantID string, diag *models.Diagnostic) {
	if err := p.deps.Diagnostics.Record(ctx, tenantID, diag); err != nil {
		log.Error().Err(err).Str("tenant", tenantID).Msg("Failed to record diagnostic")
	}
}

func (p *Pipeline) observeAttempts(ref ModelRef, out *Outcome) {
	for _, a := range out.Attempts {
		result := "success"
		switch {
		case a.Error != "":
			result = "error"
		case a.OutputLength == 0:
			result = "empty"
		}
		p.deps.Metrics.ObserveGenerationAttempt(ref.String(), result, a.Usage.InputTokens, a.Usage.OutputTokens)
	}
}

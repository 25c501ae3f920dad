// Package contracts defines the collaborator interfaces of the RelayDesk
// triage pipeline.
//
// The pipeline in internal/triage depends only on these interfaces. The
// control plane ships concrete implementations (store-backed delivery, the
// lexical knowledge index, the OpenAI generator); hosted deployments can
// swap any of them in the wiring code (pkg/server).
package contracts

import (
	"context"
	"fmt"

	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// AIAgentSenderID is the sender id used for every message automation posts.
const AIAgentSenderID = "ai-agent"

// ── Conversation Authorizer ─────────────────────────────────

// ConversationAuthorizer loads a conversation and verifies it belongs to
// the tenant. Any error is treated as a failed precondition.
type ConversationAuthorizer interface {
	Authorize(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error)
}

// ── Agent Settings ──────────────────────────────────────────

// AgentSettingsSource returns the tenant's AI agent settings, falling back
// to models.DefaultAgentSettings when none were saved.
type AgentSettingsSource interface {
	AgentSettings(ctx context.Context, tenantID string) (*models.AgentSettings, error)
}

// ── Knowledge Retriever ─────────────────────────────────────

// KnowledgeRetriever returns up to limit snippets ranked by relevance.
// An empty allowedTypes slice means every source type is allowed.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, tenantID, query string, allowedTypes []string, limit int) ([]models.KnowledgeSnippet, error)
}

// ── Conversation History ────────────────────────────────────

// HistorySource returns the most recent messages of a conversation,
// oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ── Text Generator ──────────────────────────────────────────

type GenerationRequest struct {
	Provider        string
	Model           string
	SystemPrompt    string
	Messages        []models.ChatMessage
	MaxOutputTokens int
	Temperature     float64
}

type GenerationResponse struct {
	Text          string
	FinishReason  string
	Usage         models.TokenUsage
	Warnings      []string
	ResponseID    string
	ResponseModel string
}

// TextGenerator calls the model provider. A returned error is a hard
// failure and is never retried by the caller.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
}

// ── Message Sender ──────────────────────────────────────────

// MessageSender posts a bot message into a conversation and returns its id.
type MessageSender interface {
	SendBotMessage(ctx context.Context, conversationID, senderID, content string) (string, error)
}

// ── Handoff Trigger ─────────────────────────────────────────

type HandoffRequest struct {
	Conversation *models.Conversation
	Reason       string
	Confidence   *float64
	Message      string // visitor-facing text; empty uses the default
}

type HandoffResult struct {
	MessageID string
	Message   string
}

// HandoffTrigger moves a conversation to the handoff state and posts the
// handoff message. When another run already handed the conversation off it
// returns *HandoffConflictError and posts nothing.
type HandoffTrigger interface {
	TriggerHandoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error)
}

// HandoffConflictError reports that the conversation was already handed
// off by a concurrent run.
type HandoffConflictError struct {
	ConversationID string
	Reason         string
}

func (e *HandoffConflictError) Error() string {
	return fmt.Sprintf("conversation %s already handed off: %s", e.ConversationID, e.Reason)
}

// ── Workflow Writer ─────────────────────────────────────────

// WorkflowWriter records the ai_handled outcome of a successful run.
type WorkflowWriter interface {
	MarkAIHandled(ctx context.Context, conv *models.Conversation, confidence float64) (*models.Conversation, error)
}

// ── Diagnostic Store ────────────────────────────────────────

// DiagnosticStore holds the single "last error" slot per tenant.
type DiagnosticStore interface {
	PutDiagnostic(ctx context.Context, diag *models.Diagnostic) error
	GetDiagnostic(ctx context.Context, tenantID string) (*models.Diagnostic, error)
	DeleteDiagnostic(ctx context.Context, tenantID string) error
}

// ── Response Analytics ──────────────────────────────────────

// ResponseAnalyticsStore appends AI response records.
type ResponseAnalyticsStore interface {
	AppendResponse(ctx context.Context, rec *models.AIResponseRecord) error
}

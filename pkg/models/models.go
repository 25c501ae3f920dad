// Package models holds the data types shared across the RelayDesk control
// plane: conversations and their AI workflow state, messages, AI response
// records, per-tenant diagnostics and AI agent settings.
package models

import (
	"fmt"
	"time"
)

// ── Conversation ─────────────────────────────────────────────

// ConversationStatus is the lifecycle status a human agent sees in the inbox.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationClosed  ConversationStatus = "closed"
	ConversationSnoozed ConversationStatus = "snoozed"
)

// Valid reports whether s is a known lifecycle status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationOpen, ConversationClosed, ConversationSnoozed:
		return true
	}
	return false
}

// AIWorkflowState is the outcome of the most recent automated triage.
type AIWorkflowState string

const (
	AIStateNone    AIWorkflowState = "none"
	AIStateHandled AIWorkflowState = "ai_handled"
	AIStateHandoff AIWorkflowState = "handoff"
)

// Valid reports whether s is a known workflow state. The empty string is
// accepted and treated as none.
func (s AIWorkflowState) Valid() bool {
	switch s {
	case "", AIStateNone, AIStateHandled, AIStateHandoff:
		return true
	}
	return false
}

// Normalize maps the zero value to AIStateNone.
func (s AIWorkflowState) Normalize() AIWorkflowState {
	if s == "" {
		return AIStateNone
	}
	return s
}

type Conversation struct {
	ID            string             `json:"id" db:"id"`
	TenantID      string             `json:"tenant_id" db:"tenant_id"`
	VisitorID     string             `json:"visitor_id" db:"visitor_id"`
	Status        ConversationStatus `json:"status" db:"status"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`

	AIWorkflowState  AIWorkflowState `json:"ai_workflow_state" db:"ai_workflow_state"`
	AIHandoffReason  string          `json:"ai_handoff_reason,omitempty" db:"ai_handoff_reason"`
	AILastConfidence *float64        `json:"ai_last_confidence,omitempty" db:"ai_last_confidence"`
	AILastResponseAt *time.Time      `json:"ai_last_response_at,omitempty" db:"ai_last_response_at"`
}

// WorkflowState returns the normalized AI workflow state.
func (c *Conversation) WorkflowState() AIWorkflowState {
	return c.AIWorkflowState.Normalize()
}

// ActivityAt is the inbox ranking key: the last message time, or the
// creation time for conversations without messages.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// CheckWorkflowInvariant verifies that a handoff reason is present if and
// only if the conversation is in the handoff state.
func (c *Conversation) CheckWorkflowInvariant() error {
	state := c.WorkflowState()
	if !state.Valid() {
		return fmt.Errorf("conversation %s: unknown workflow state %q", c.ID, c.AIWorkflowState)
	}
	if state == AIStateHandoff && c.AIHandoffReason == "" {
		return fmt.Errorf("conversation %s: handoff without reason", c.ID)
	}
	if state != AIStateHandoff && c.AIHandoffReason != "" {
		return fmt.Errorf("conversation %s: handoff reason set in state %s", c.ID, state)
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────────

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
	SenderBot     SenderType = "bot"
)

type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	SenderType     SenderType `json:"sender_type" db:"sender_type"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ChatMessage is a single turn sent to the text generation service.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ── Knowledge ────────────────────────────────────────────────

// KnowledgeSnippet is a ranked piece of tenant knowledge returned by the
// retrieval service. RelevanceScore is on the retriever's 0..20 scale.
type KnowledgeSnippet struct {
	Type           string  `json:"type"`
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SourceRef cites a knowledge snippet in an AI response.
type SourceRef struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ── Token Usage ──────────────────────────────────────────────

type TokenUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens     int64 `json:"total_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:     u.InputTokens + o.InputTokens,
		OutputTokens:    u.OutputTokens + o.OutputTokens,
		ReasoningTokens: u.ReasoningTokens + o.ReasoningTokens,
		TotalTokens:     u.TotalTokens + o.TotalTokens,
	}
}

// ── AI Response Record ───────────────────────────────────────

// AIResponseRecord is the append-only analytics entry written once per
// successful generation cycle.
type AIResponseRecord struct {
	ID               string      `json:"id" db:"id"`
	TenantID         string      `json:"tenant_id" db:"tenant_id"`
	ConversationID   string      `json:"conversation_id" db:"conversation_id"`
	MessageID        string      `json:"message_id,omitempty" db:"message_id"`
	Query            string      `json:"query" db:"query"`
	Response         string      `json:"response" db:"response"`
	Sources          []SourceRef `json:"sources"`
	Confidence       float64     `json:"confidence" db:"confidence"`
	HandedOff        bool        `json:"handed_off" db:"handed_off"`
	HandoffReason    string      `json:"handoff_reason,omitempty" db:"handoff_reason"`
	GenerationTimeMs int64       `json:"generation_time_ms" db:"generation_time_ms"`
	Usage            TokenUsage  `json:"usage"`
	Model            string      `json:"model" db:"model"`
	Provider         string      `json:"provider" db:"provider"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// ── Diagnostics ──────────────────────────────────────────────

// DiagnosticCode classifies why automation could not run or failed.
type DiagnosticCode string

const (
	DiagMissingModel               DiagnosticCode = "MISSING_MODEL"
	DiagInvalidModelFormat         DiagnosticCode = "INVALID_MODEL_FORMAT"
	DiagUnsupportedProvider        DiagnosticCode = "UNSUPPORTED_PROVIDER"
	DiagMissingProviderCredentials DiagnosticCode = "MISSING_PROVIDER_CREDENTIALS"
	DiagGenerationFailed           DiagnosticCode = "GENERATION_FAILED"
	DiagEmptyGenerationResponse    DiagnosticCode = "EMPTY_GENERATION_RESPONSE"
)

// Diagnostic is the operator-facing "last error" for a tenant. There is at
// most one per tenant; a new record replaces the previous one.
type Diagnostic struct {
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	Code       DiagnosticCode `json:"code" db:"code"`
	Message    string         `json:"message" db:"message"`
	Provider   string         `json:"provider,omitempty" db:"provider"`
	Model      string         `json:"model,omitempty" db:"model"`
	Detail     string         `json:"detail,omitempty" db:"detail"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
}

// ── AI Agent Settings ────────────────────────────────────────

// DefaultConfidenceThreshold is used when a tenant has not configured one.
const DefaultConfidenceThreshold = 0.6

// DefaultHandoffMessage is posted to the visitor when a conversation is
// handed to a human and the tenant has not configured its own text.
const DefaultHandoffMessage = "I'm connecting you with a member of our team who can help further. They'll reply here shortly."

// AgentSettings is the per-tenant configuration of the AI agent.
type AgentSettings struct {
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	Enabled             bool      `json:"enabled" db:"enabled"`
	Model               string    `json:"model,omitempty" db:"model"` // overrides the server default, "<provider>/<model>"
	Personality         string    `json:"personality,omitempty" db:"personality"`
	ConfidenceThreshold float64   `json:"confidence_threshold" db:"confidence_threshold"`
	KnowledgeSources    []string  `json:"knowledge_sources,omitempty"` // allowed snippet types; empty = all
	HandoffMessage      string    `json:"handoff_message,omitempty" db:"handoff_message"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultAgentSettings returns the settings a tenant starts with.
func DefaultAgentSettings(tenantID string) AgentSettings {
	return AgentSettings{
		TenantID:            tenantID,
		Enabled:             true,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// HandoffText returns the configured handoff message or the default.
func (s *AgentSettings) HandoffText() string {
	if s.HandoffMessage != "" {
		return s.HandoffMessage
	}
	return DefaultHandoffMessage
}

// Package store provides the storage interface and implementations for the
// RelayDesk control plane: an in-memory store with JSON snapshot persistence
// and a PostgreSQL store built on pgx.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
// All handler and pipeline code depends on this interface, making it easy
// to swap between in-memory (tests, local dev) and PostgreSQL (production).
type Store interface {
	ConversationStore
	MessageStore
	DiagnosticStore
	ResponseStore
	AgentSettingsStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Conversation Store ──────────────────────────────────────

// Scan indexes. A scan uses exactly one of them; filters outside the chosen
// index are not applied by the store and must be re-checked by the caller.
const (
	IndexByTenant        = "by_tenant"
	IndexByTenantStatus  = "by_tenant_status"
	IndexByTenantAIState = "by_tenant_ai_state"
)

// ConversationScan selects conversations for the inbox. Results are ordered
// by activity time descending and capped at Limit.
type ConversationScan struct {
	TenantID string
	Status   models.ConversationStatus // optional
	AIState  models.AIWorkflowState    // optional
	Limit    int
}

// Index returns the index the scan uses. The AI state index is preferred
// because the handoff queue is the hottest inbox view.
func (s ConversationScan) Index() string {
	switch {
	case s.AIState != "":
		return IndexByTenantAIState
	case s.Status != "":
		return IndexByTenantStatus
	default:
		return IndexByTenant
	}
}

// WorkflowUpdate is the new AI workflow state written by a compare-and-swap.
type WorkflowUpdate struct {
	State         models.AIWorkflowState
	HandoffReason string
	Confidence    *float64
	RespondedAt   *time.Time
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error)

	// CompareAndSwapWorkflow applies upd only if the stored workflow state
	// equals expected. Otherwise it returns *ErrStateConflict.
	CompareAndSwapWorkflow(ctx context.Context, id string, expected models.AIWorkflowState, upd WorkflowUpdate) (*models.Conversation, error)

	ScanConversations(ctx context.Context, scan ConversationScan) ([]models.Conversation, error)
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	// CreateMessage appends a message and advances the conversation's
	// LastMessageAt.
	CreateMessage(ctx context.Context, msg *models.Message) error

	// RecentMessages returns up to limit latest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ── Diagnostic Store ────────────────────────────────────────

type DiagnosticStore interface {
	PutDiagnostic(ctx context.Context, diag *models.Diagnostic) error
	GetDiagnostic(ctx context.Context, tenantID string) (*models.Diagnostic, error)
	DeleteDiagnostic(ctx context.Context, tenantID string) error
}

// ── Response Store ──────────────────────────────────────────

type ResponseStore interface {
	AppendResponse(ctx context.Context, rec *models.AIResponseRecord) error
	// ListResponses returns the newest records first.
	ListResponses(ctx context.Context, tenantID string, limit int) ([]models.AIResponseRecord, error)
}

// ── Agent Settings Store ────────────────────────────────────

type AgentSettingsStore interface {
	GetAgentSettings(ctx context.Context, tenantID string) (*models.AgentSettings, error)
	UpsertAgentSettings(ctx context.Context, settings *models.AgentSettings) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrStateConflict is returned by CompareAndSwapWorkflow when the stored
// state differs from the expected one. Current holds the stored row.
type ErrStateConflict struct {
	ConversationID string
	Expected       models.AIWorkflowState
	Current        *models.Conversation
}

func (e *ErrStateConflict) Error() string {
	actual := models.AIStateNone
	if e.Current != nil {
		actual = e.Current.WorkflowState()
	}
	return fmt.Sprintf("conversation %s: workflow state is %s, expected %s", e.ConversationID, actual, e.Expected)
}

// ── Helpers ─────────────────────────────────────────────────

// applyWorkflow writes upd onto conv. A non-handoff state always clears the
// handoff reason.
func applyWorkflow(conv *models.Conversation, upd WorkflowUpdate, now time.Time) {
	conv.AIWorkflowState = upd.State
	conv.AIHandoffReason = ""
	if upd.State == models.AIStateHandoff {
		conv.AIHandoffReason = upd.HandoffReason
	}
	if upd.Confidence != nil {
		c := *upd.Confidence
		conv.AILastConfidence = &c
	}
	if upd.RespondedAt != nil {
		t := *upd.RespondedAt
		conv.AILastResponseAt = &t
	}
	conv.UpdatedAt = now
}

// validateWorkflowUpdate rejects updates that would break the
// reason-iff-handoff invariant.
func validateWorkflowUpdate(upd WorkflowUpdate) error {
	if !upd.State.Valid() || upd.State == "" {
		return fmt.Errorf("invalid workflow state %q", upd.State)
	}
	if upd.State == models.AIStateHandoff && upd.HandoffReason == "" {
		return fmt.Errorf("handoff requires a reason")
	}
	return nil
}

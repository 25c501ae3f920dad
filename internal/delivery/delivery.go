// Package delivery posts automation messages into conversations and
// performs handoffs to human agents.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/control-plane/internal/notify"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Message Sender ──────────────────────────────────────────

// MessageWriter is the storage the Sender writes through.
type MessageWriter interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
}

// Sender implements contracts.MessageSender by appending bot messages to
// the store, which also advances the conversation's LastMessageAt.
type Sender struct {
	store MessageWriter
	now   func() time.Time
}

func NewSender(s MessageWriter) *Sender {
	return &Sender{store: s, now: time.Now}
}

func (s *Sender) SendBotMessage(ctx context.Context, conversationID, senderID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.New("refusing to send an empty message")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		SenderID:       senderID,
		SenderType:     models.SenderBot,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msg.ID, nil
}

// ── Handoff Service ─────────────────────────────────────────

// Handoffs is the workflow transition the service performs.
type Handoffs interface {
	MarkHandoff(ctx context.Context, conv *models.Conversation, reason string, confidence *float64) (*models.Conversation, error)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// HandoffService implements contracts.HandoffTrigger.
type HandoffService struct {
	workflow Handoffs
	sender   contracts.MessageSender
	jobs     Enqueuer
}

// NewHandoffService wires the trigger. jobs may be nil, in which case
// agents are not notified out of band.
func NewHandoffService(w Handoffs, sender contracts.MessageSender, jobs Enqueuer) *HandoffService {
	return &HandoffService{workflow: w, sender: sender, jobs: jobs}
}

// TriggerHandoff moves the conversation to handoff, posts the handoff
// message and schedules the agent notification. A conversation that is
// already handed off yields *contracts.HandoffConflictError and no message.
func (h *HandoffService) TriggerHandoff(ctx context.Context, req contracts.HandoffRequest) (*contracts.HandoffResult, error) {
	conv, err := h.workflow.MarkHandoff(ctx, req.Conversation, req.Reason, req.Confidence)
	if err != nil {
		return nil, err
	}

	text := req.Message
	if strings.TrimSpace(text) == "" {
		text = models.DefaultHandoffMessage
	}
	msgID, err := h.sender.SendBotMessage(ctx, conv.ID, contracts.AIAgentSenderID, text)
	if err != nil {
		return nil, fmt.Errorf("post handoff message: %w", err)
	}

	log.Info().
		Str("tenant", conv.TenantID).
		Str("conversation", conv.ID).
		Str("reason", req.Reason).
		Msg("🙋 Conversation handed off to a human")

	if h.jobs != nil {
		event := notify.NewHandoffEvent(conv.TenantID, conv.ID, req.Reason, req.Confidence, msgID)
		if _, err := h.jobs.Enqueue(ctx, notify.JobHandoff, event); err != nil {
			log.Warn().Err(err).Str("conversation", conv.ID).Msg("Failed to enqueue handoff notification")
		}
	}

	return &contracts.HandoffResult{MessageID: msgID, Message: text}, nil
}

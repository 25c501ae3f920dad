package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// scriptedGenerator replays one reply per call.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []generatorReply
	calls   []contracts.GenerationRequest
}

type generatorReply struct {
	resp *contracts.GenerationResponse
	err  error
}

func text(s string) generatorReply {
	return generatorReply{resp: &contracts.GenerationResponse{
		Text:         s,
		FinishReason: "stop",
		Usage:        models.TokenUsage{InputTokens: 100, OutputTokens: int64(len(s)), TotalTokens: 100 + int64(len(s))},
		ResponseID:   "resp-1",
	}}
}

func failure(msg string) generatorReply {
	return generatorReply{err: errors.New(msg)}
}

func (g *scriptedGenerator) Generate(_ context.Context, req contracts.GenerationRequest) (*contracts.GenerationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r.resp, r.err
}

// recordingSender stores sent messages; failing makes every send fail.
type recordingSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	failing bool
}

type sentMessage struct {
	ConversationID, SenderID, Content string
}

func (s *recordingSender) SendBotMessage(_ context.Context, conversationID, senderID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", errors.New("transport down")
	}
	s.sent = append(s.sent, sentMessage{conversationID, senderID, content})
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

// storeHandoff performs the compare-and-swap against the memory store and
// posts the handoff message through the sender, like the production
// trigger does.
type storeHandoff struct {
	store   *store.MemoryStore
	sender  *recordingSender
	failing bool
	calls   []contracts.HandoffRequest
	// beforeSwap runs between the caller's snapshot and the swap.
	beforeSwap func()
}

func (h *storeHandoff) TriggerHandoff(ctx context.Context, req contracts.HandoffRequest) (*contracts.HandoffResult, error) {
	h.calls = append(h.calls, req)
	if h.failing {
		return nil, errors.New("handoff service unavailable")
	}
	conv := req.Conversation
	if h.beforeSwap != nil {
		h.beforeSwap()
	}
	if conv.WorkflowState() == models.AIStateHandoff {
		return nil, &contracts.HandoffConflictError{ConversationID: conv.ID, Reason: conv.AIHandoffReason}
	}
	_, err := h.store.CompareAndSwapWorkflow(ctx, conv.ID, conv.WorkflowState(), store.WorkflowUpdate{
		State: models.AIStateHandoff, HandoffReason: req.Reason, Confidence: req.Confidence,
	})
	var conflict *store.ErrStateConflict
	if errors.As(err, &conflict) {
		return nil, &contracts.HandoffConflictError{ConversationID: conv.ID, Reason: conflict.Current.AIHandoffReason}
	}
	if err != nil {
		return nil, err
	}
	id, err := h.sender.SendBotMessage(ctx, conv.ID, contracts.AIAgentSenderID, req.Message)
	if err != nil {
		return nil, err
	}
	return &contracts.HandoffResult{MessageID: id, Message: req.Message}, nil
}

// storeWorkflow marks conversations ai_handled directly in the store.
type storeWorkflow struct {
	store *store.MemoryStore
	calls int
}

func (w *storeWorkflow) MarkAIHandled(ctx context.Context, conv *models.Conversation, confidence float64) (*models.Conversation, error) {
	w.calls++
	return w.store.CompareAndSwapWorkflow(ctx, conv.ID, conv.WorkflowState(), store.WorkflowUpdate{
		State: models.AIStateHandled, Confidence: &confidence,
	})
}

type storeAuthorizer struct{ store *store.MemoryStore }

func (a storeAuthorizer) Authorize(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, errors.New("conversation belongs to another tenant")
	}
	return conv, nil
}

type staticSettings struct {
	settings *models.AgentSettings
	err      error
}

func (s staticSettings) AgentSettings(_ context.Context, tenantID string) (*models.AgentSettings, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.settings == nil {
		d := models.DefaultAgentSettings(tenantID)
		return &d, nil
	}
	cp := *s.settings
	return &cp, nil
}

type staticKnowledge struct {
	snippets []models.KnowledgeSnippet
	err      error
	gotTypes []string
}

func (k *staticKnowledge) Retrieve(_ context.Context, _, _ string, allowedTypes []string, limit int) ([]models.KnowledgeSnippet, error) {
	k.gotTypes = allowedTypes
	if k.err != nil {
		return nil, k.err
	}
	if len(k.snippets) > limit {
		return k.snippets[:limit], nil
	}
	return k.snippets, nil
}

// Package workflow implements the conversation AI workflow state machine.
//
// States:
//
//	none ──► ai_handled ──► handoff
//	  └────────────────────────┘
//
// Every write is a compare-and-swap on the stored state, so two triage runs
// racing on one conversation cannot both hand it off. A handed-off
// conversation only leaves the handoff state through Release, which a human
// agent triggers.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxSwapAttempts bounds how often a write re-reads the state after losing
// a compare-and-swap.
const maxSwapAttempts = 3

var transitions = map[models.AIWorkflowState][]models.AIWorkflowState{
	models.AIStateNone:    {models.AIStateHandled, models.AIStateHandoff},
	models.AIStateHandled: {models.AIStateHandled, models.AIStateHandoff},
	models.AIStateHandoff: {models.AIStateNone},
}

// CanTransition reports whether the machine allows moving from one state
// to another.
func CanTransition(from, to models.AIWorkflowState) bool {
	for _, s := range transitions[from.Normalize()] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for a transition the machine forbids.
type ErrInvalidTransition struct {
	ConversationID string
	From, To       models.AIWorkflowState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("conversation %s: cannot move workflow from %s to %s", e.ConversationID, e.From, e.To)
}

// Swapper is the storage the machine writes through.
type Swapper interface {
	CompareAndSwapWorkflow(ctx context.Context, id string, expected models.AIWorkflowState, upd store.WorkflowUpdate) (*models.Conversation, error)
}

type Machine struct {
	store Swapper
	now   func() time.Time
}

func NewMachine(s Swapper) *Machine {
	return &Machine{store: s, now: time.Now}
}

// MarkAIHandled records a successful automated answer. On a conversation
// that is already handed off only the confidence and response time are
// refreshed; the handoff and its reason stay in place.
func (m *Machine) MarkAIHandled(ctx context.Context, conv *models.Conversation, confidence float64) (*models.Conversation, error) {
	now := m.now().UTC()
	return m.swap(ctx, conv, func(cur *models.Conversation) (store.WorkflowUpdate, error) {
		upd := store.WorkflowUpdate{
			State:       models.AIStateHandled,
			Confidence:  &confidence,
			RespondedAt: &now,
		}
		if cur.WorkflowState() == models.AIStateHandoff {
			upd.State = models.AIStateHandoff
			upd.HandoffReason = cur.AIHandoffReason
		}
		return upd, nil
	})
}

// MarkHandoff moves the conversation to handoff with reason. If the
// conversation is already handed off it returns
// *contracts.HandoffConflictError carrying the existing reason.
func (m *Machine) MarkHandoff(ctx context.Context, conv *models.Conversation, reason string, confidence *float64) (*models.Conversation, error) {
	if reason == "" {
		return nil, fmt.Errorf("conversation %s: handoff requires a reason", conv.ID)
	}
	return m.swap(ctx, conv, func(cur *models.Conversation) (store.WorkflowUpdate, error) {
		if cur.WorkflowState() == models.AIStateHandoff {
			return store.WorkflowUpdate{}, &contracts.HandoffConflictError{
				ConversationID: cur.ID,
				Reason:         cur.AIHandoffReason,
			}
		}
		return store.WorkflowUpdate{
			State:         models.AIStateHandoff,
			HandoffReason: reason,
			Confidence:    confidence,
		}, nil
	})
}

// Release returns a conversation to automation: state none, reason cleared.
func (m *Machine) Release(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	return m.swap(ctx, conv, func(cur *models.Conversation) (store.WorkflowUpdate, error) {
		return store.WorkflowUpdate{State: models.AIStateNone}, nil
	})
}

// swap builds an update from the latest known row and applies it with a
// compare-and-swap, re-reading the row on conflict.
func (m *Machine) swap(ctx context.Context, conv *models.Conversation, build func(cur *models.Conversation) (store.WorkflowUpdate, error)) (*models.Conversation, error) {
	cur := conv
	for attempt := 1; ; attempt++ {
		upd, err := build(cur)
		if err != nil {
			return nil, err
		}
		from := cur.WorkflowState()
		if !CanTransition(from, upd.State) && !(from == upd.State && from == models.AIStateHandoff) {
			return nil, &ErrInvalidTransition{ConversationID: cur.ID, From: from, To: upd.State}
		}

		updated, err := m.store.CompareAndSwapWorkflow(ctx, cur.ID, from, upd)
		if err == nil {
			log.Debug().
				Str("conversation", cur.ID).
				Str("from", string(from)).
				Str("to", string(updated.WorkflowState())).
				Msg("Workflow state updated")
			return updated, nil
		}

		var conflict *store.ErrStateConflict
		if !errors.As(err, &conflict) || conflict.Current == nil {
			return nil, err
		}
		if attempt >= maxSwapAttempts {
			return nil, fmt.Errorf("workflow update for %s gave up after %d conflicts: %w", cur.ID, attempt, err)
		}
		cur = conflict.Current
	}
}

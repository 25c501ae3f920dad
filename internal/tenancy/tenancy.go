// Package tenancy resolves tenant-scoped access for the triage pipeline:
// it checks conversation ownership and loads AI agent settings with
// defaults.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// ErrTenantMismatch is returned when a conversation belongs to another tenant.
var ErrTenantMismatch = errors.New("conversation does not belong to tenant")

// Authorizer implements contracts.ConversationAuthorizer on a store.
type Authorizer struct {
	store store.ConversationStore
}

func NewAuthorizer(s store.ConversationStore) *Authorizer {
	return &Authorizer{store: s}
}

func (a *Authorizer) Authorize(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("authorize conversation %s: empty tenant", conversationID)
	}
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrTenantMismatch, conversationID)
	}
	return conv, nil
}

// Settings implements contracts.AgentSettingsSource on a store. A tenant
// without saved settings gets models.DefaultAgentSettings with the
// configured default threshold.
type Settings struct {
	store            store.AgentSettingsStore
	defaultThreshold float64
}

func NewSettings(s store.AgentSettingsStore, defaultThreshold float64) *Settings {
	// Zero is a valid threshold: it lets every answer through.
	if defaultThreshold < 0 || defaultThreshold > 1 {
		defaultThreshold = models.DefaultConfidenceThreshold
	}
	return &Settings{store: s, defaultThreshold: defaultThreshold}
}

func (s *Settings) AgentSettings(ctx context.Context, tenantID string) (*models.AgentSettings, error) {
	st, err := s.store.GetAgentSettings(ctx, tenantID)
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		d := models.DefaultAgentSettings(tenantID)
		d.ConfidenceThreshold = s.defaultThreshold
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agent settings: %w", err)
	}
	return st, nil
}

// Save validates and stores settings for a tenant.
func (s *Settings) Save(ctx context.Context, st *models.AgentSettings) error {
	if st.TenantID == "" {
		return errors.New("agent settings require a tenant")
	}
	if st.ConfidenceThreshold < 0 || st.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f is outside [0, 1]", st.ConfidenceThreshold)
	}
	return s.store.UpsertAgentSettings(ctx, st)
}

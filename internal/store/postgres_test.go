package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	url := os.Getenv("RELAYDESK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RELAYDESK_TEST_POSTGRES_URL environment variable not set")
	}
	s, err := store.NewPostgresStore(context.Background(), url, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_WorkflowCAS(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	id := uuid.NewString()

	require.NoError(t, s.CreateConversation(ctx, &models.Conversation{ID: id, TenantID: tenant}))

	conv, err := s.CompareAndSwapWorkflow(ctx, id, models.AIStateNone, store.WorkflowUpdate{
		State: models.AIStateHandoff, HandoffReason: "Customer requested human agent",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AIStateHandoff, conv.AIWorkflowState)

	_, err = s.CompareAndSwapWorkflow(ctx, id, models.AIStateNone, store.WorkflowUpdate{
		State: models.AIStateHandoff, HandoffReason: "Sensitive topic detected",
	})
	var conflict *store.ErrStateConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "Customer requested human agent", conflict.Current.AIHandoffReason)
}

func TestPostgresStore_ScanUsesActivityOrder(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	require.NoError(t, s.CreateConversation(ctx, &models.Conversation{ID: tenant + "-a", TenantID: tenant, LastMessageAt: ts(1)}))
	require.NoError(t, s.CreateConversation(ctx, &models.Conversation{ID: tenant + "-b", TenantID: tenant, LastMessageAt: ts(2)}))
	require.NoError(t, s.CreateMessage(ctx, &models.Message{
		ID: uuid.NewString(), ConversationID: tenant + "-a", SenderID: "v", SenderType: models.SenderVisitor,
		Content: "hello", CreatedAt: *ts(3),
	}))

	got, err := s.ScanConversations(ctx, store.ConversationScan{TenantID: tenant, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, tenant+"-a", got[0].ID)
}

func TestPostgresStore_DiagnosticsAndSettings(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	require.NoError(t, s.PutDiagnostic(ctx, &models.Diagnostic{TenantID: tenant, Code: models.DiagMissingModel, Message: "m"}))
	require.NoError(t, s.PutDiagnostic(ctx, &models.Diagnostic{TenantID: tenant, Code: models.DiagGenerationFailed, Message: "g"}))
	d, err := s.GetDiagnostic(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.DiagGenerationFailed, d.Code)
	require.NoError(t, s.DeleteDiagnostic(ctx, tenant))

	settings := models.DefaultAgentSettings(tenant)
	settings.KnowledgeSources = []string{"article"}
	require.NoError(t, s.UpsertAgentSettings(ctx, &settings))
	got, err := s.GetAgentSettings(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"article"}, got.KnowledgeSources)
	assert.InDelta(t, 0.6, got.ConfidenceThreshold, 1e-9)
}

package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultScanCeiling bounds how many rows one inbox request reads.
const DefaultScanCeiling = 500

// ErrMissingTenant is returned for a query without a tenant.
var ErrMissingTenant = errors.New("inbox query requires a tenant")

type Scanner interface {
	ScanConversations(ctx context.Context, scan store.ConversationScan) ([]models.Conversation, error)
}

// Query selects one inbox page.
type Query struct {
	TenantID string
	Status   models.ConversationStatus
	AIState  models.AIWorkflowState
	Limit    int
	Cursor   string
}

// Matches reports whether conv satisfies every filter of q.
func (q Query) Matches(conv *models.Conversation) bool {
	if conv.TenantID != q.TenantID {
		return false
	}
	if q.Status != "" && conv.Status != q.Status {
		return false
	}
	if q.AIState != "" && conv.WorkflowState() != q.AIState.Normalize() {
		return false
	}
	return true
}

type Service struct {
	scanner     Scanner
	scanCeiling int
	metrics     *metrics.Recorder
}

// NewService returns an inbox service. scanCeiling <= 0 uses
// DefaultScanCeiling.
func NewService(s Scanner, scanCeiling int, m *metrics.Recorder) *Service {
	if scanCeiling <= 0 {
		scanCeiling = DefaultScanCeiling
	}
	return &Service{scanner: s, scanCeiling: scanCeiling, metrics: m}
}

// List scans the tenant's conversations through a single index, re-checks
// every filter on the returned rows and pages the survivors.
func (s *Service) List(ctx context.Context, q Query) (*Page, error) {
	if q.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("unknown conversation status %q", q.Status)
	}
	if !q.AIState.Valid() {
		return nil, fmt.Errorf("unknown AI workflow state %q", q.AIState)
	}

	scan := store.ConversationScan{
		TenantID: q.TenantID,
		Status:   q.Status,
		AIState:  q.AIState,
		Limit:    s.scanCeiling,
	}
	rows, err := s.scanner.ScanConversations(ctx, scan)
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}

	kept := make([]models.Conversation, 0, len(rows))
	for i := range rows {
		if q.Matches(&rows[i]) {
			kept = append(kept, rows[i])
		}
	}
	dropped := len(rows) - len(kept)

	page := Paginate(kept, q.Limit, q.Cursor)

	s.metrics.ObserveInboxPage(len(page.Conversations), dropped)
	log.Debug().
		Str("tenant", q.TenantID).
		Str("index", scan.Index()).
		Int("scanned", len(rows)).
		Int("dropped", dropped).
		Int("returned", len(page.Conversations)).
		Msg("Inbox page served")

	return &page, nil
}

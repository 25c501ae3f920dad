// Package diagnostics maintains the per-tenant "last AI error" slot that
// operators read to find out why automation handed a conversation off.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Recorder writes and clears tenant diagnostics. Concurrent writers are
// last-writer-wins.
type Recorder struct {
	store   contracts.DiagnosticStore
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewRecorder(s contracts.DiagnosticStore, m *metrics.Recorder) *Recorder {
	return &Recorder{store: s, metrics: m, now: time.Now}
}

// Record replaces the tenant's diagnostic with diag.
func (r *Recorder) Record(ctx context.Context, tenantID string, diag *models.Diagnostic) error {
	d := *diag
	d.TenantID = tenantID
	d.RecordedAt = r.now().UTC()

	log.Warn().
		Str("tenant", tenantID).
		Str("code", string(d.Code)).
		Str("provider", d.Provider).
		Str("model", d.Model).
		Msg(d.Message)

	r.metrics.IncDiagnostic(string(d.Code))

	if err := r.store.PutDiagnostic(ctx, &d); err != nil {
		return fmt.Errorf("record diagnostic: %w", err)
	}
	return nil
}

// Clear removes the tenant's diagnostic, if any.
func (r *Recorder) Clear(ctx context.Context, tenantID string) error {
	if err := r.store.DeleteDiagnostic(ctx, tenantID); err != nil {
		return fmt.Errorf("clear diagnostic: %w", err)
	}
	return nil
}

// Current returns the tenant's diagnostic, or nil when the slot is empty.
func (r *Recorder) Current(ctx context.Context, tenantID string) (*models.Diagnostic, error) {
	d, err := r.store.GetDiagnostic(ctx, tenantID)
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

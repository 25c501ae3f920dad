// Package handlers implements the HTTP handlers for the RelayDesk control
// plane. Every /api/v1 handler works on the tenant the middleware put in
// the request context.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaydesk/relaydesk/control-plane/internal/api/middleware"
	"github.com/relaydesk/relaydesk/control-plane/internal/diagnostics"
	"github.com/relaydesk/relaydesk/control-plane/internal/inbox"
	"github.com/relaydesk/relaydesk/control-plane/internal/store"
	"github.com/relaydesk/relaydesk/control-plane/internal/tenancy"
	"github.com/relaydesk/relaydesk/control-plane/internal/triage"
	"github.com/relaydesk/relaydesk/control-plane/internal/workflow"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// maxResponsesPage caps GET /responses.
const maxResponsesPage = 100

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Pipeline    *triage.Pipeline
	Inbox       *inbox.Service
	Diagnostics *diagnostics.Recorder
	Workflow    *workflow.Machine
	Authorizer  *tenancy.Authorizer
	Settings    *tenancy.Settings
}

// ── Conversations ───────────────────────────────────────────

type createConversationRequest struct {
	ID        string `json:"id,omitempty"`
	VisitorID string `json:"visitor_id"`
}

// CreateConversation handles POST /api/v1/conversations.
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	conv := &models.Conversation{
		ID:              req.ID,
		TenantID:        middleware.GetTenantID(r.Context()),
		VisitorID:       req.VisitorID,
		Status:          models.ConversationOpen,
		AIWorkflowState: models.AIStateNone,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.Store.CreateConversation(r.Context(), conv); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := h.Store.GetConversation(r.Context(), conv.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetConversation handles GET /api/v1/conversations/{id}.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostVisitorMessage handles POST /api/v1/conversations/{id}/messages.
// It records the visitor's message; triage is a separate call.
func (h *Handlers) PostVisitorMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		SenderID:       conv.VisitorID,
		SenderType:     models.SenderVisitor,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.Store.CreateMessage(r.Context(), msg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// ListMessages handles GET /api/v1/conversations/{id}/messages.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := h.Store.RecentMessages(r.Context(), conv.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

type updateStatusRequest struct {
	Status models.ConversationStatus `json:"status"`
}

// UpdateStatus handles PATCH /api/v1/conversations/{id}/status.
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown status: "+string(req.Status))
		return
	}
	updated, err := h.Store.UpdateConversationStatus(r.Context(), conv.ID, req.Status)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// Release handles POST /api/v1/conversations/{id}/release: a human agent
// returns the conversation to automation.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	updated, err := h.Workflow.Release(r.Context(), conv)
	var invalid *workflow.ErrInvalidTransition
	if errors.As(err, &invalid) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("tenant", conv.TenantID).Str("conversation", conv.ID).Msg("🔁 Conversation released to automation")
	respondJSON(w, http.StatusOK, updated)
}

// ── Triage ──────────────────────────────────────────────────

type triageRequest struct {
	Query string `json:"query"`
}

// Triage handles POST /api/v1/conversations/{id}/triage.
func (h *Handlers) Triage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := h.Pipeline.Run(r.Context(), triage.Request{
		TenantID:       middleware.GetTenantID(r.Context()),
		ConversationID: chi.URLParam(r, "id"),
		Query:          req.Query,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Inbox ───────────────────────────────────────────────────

// ListInbox handles GET /api/v1/inbox?status=&ai_state=&limit=&cursor=.
func (h *Handlers) ListInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := inbox.Query{
		TenantID: middleware.GetTenantID(r.Context()),
		Status:   models.ConversationStatus(q.Get("status")),
		AIState:  models.AIWorkflowState(q.Get("ai_state")),
		Cursor:   q.Get("cursor"),
	}
	if query.Status != "" && !query.Status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown status: "+string(query.Status))
		return
	}
	if !query.AIState.Valid() {
		respondError(w, http.StatusBadRequest, "unknown ai_state: "+string(query.AIState))
		return
	}
	limit, err := intParam(r, "limit", inbox.DefaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	query.Limit = limit

	page, err := h.Inbox.List(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// ── Diagnostics & analytics ─────────────────────────────────

// GetDiagnostic handles GET /api/v1/diagnostics. The body is
// {"diagnostic": null} when automation has no recorded problem.
func (h *Handlers) GetDiagnostic(w http.ResponseWriter, r *http.Request) {
	diag, err := h.Diagnostics.Current(r.Context(), middleware.GetTenantID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"diagnostic": diag})
}

// ClearDiagnostic handles DELETE /api/v1/diagnostics.
func (h *Handlers) ClearDiagnostic(w http.ResponseWriter, r *http.Request) {
	if err := h.Diagnostics.Clear(r.Context(), middleware.GetTenantID(r.Context())); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResponses handles GET /api/v1/responses?limit=.
func (h *Handlers) ListResponses(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxResponsesPage {
		limit = maxResponsesPage
	}
	recs, err := h.Store.ListResponses(r.Context(), middleware.GetTenantID(r.Context()), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

// ── Agent settings ──────────────────────────────────────────

// GetAgentSettings handles GET /api/v1/settings/agent.
func (h *Handlers) GetAgentSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.Settings.AgentSettings(r.Context(), middleware.GetTenantID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// PutAgentSettings handles PUT /api/v1/settings/agent.
func (h *Handlers) PutAgentSettings(w http.ResponseWriter, r *http.Request) {
	var st models.AgentSettings
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st.TenantID = middleware.GetTenantID(r.Context())
	if st.Model != "" {
		ref, ok := triage.ParseModelID(st.Model)
		if !ok {
			respondError(w, http.StatusBadRequest, "model must look like <provider>/<model>")
			return
		}
		if !triage.SupportedProviders[ref.Provider] {
			respondError(w, http.StatusBadRequest, "unsupported provider: "+ref.Provider)
			return
		}
	}
	if err := h.Settings.Save(r.Context(), &st); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.Settings.AgentSettings(r.Context(), st.TenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

// ── Helpers ──────────────────────────────────────────────────

// authorize loads the {id} conversation for the request tenant, writing the
// error response itself when that fails.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	conv, err := h.Authorizer.Authorize(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return nil, false
	}
	return conv, true
}

// respondStoreError maps lookup failures to 404 and everything else to 500.
// Conversations of other tenants are reported as not found.
func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf), errors.Is(err, tenancy.ErrTenantMismatch):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		var pre *triage.PreconditionError
		if errors.As(err, &pre) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

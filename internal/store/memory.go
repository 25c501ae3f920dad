// In-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Conversations map[string]*models.Conversation  `json:"conversations"`
	Messages      map[string][]*models.Message     `json:"messages"` // key: conversation id
	Diagnostics   map[string]*models.Diagnostic    `json:"diagnostics"`
	Responses     []*models.AIResponseRecord       `json:"responses"`
	Settings      map[string]*models.AgentSettings `json:"settings"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation  // key: id
	messages      map[string][]*models.Message     // key: conversation id, oldest first
	diagnostics   map[string]*models.Diagnostic    // key: tenant id
	responses     []*models.AIResponseRecord       // append-only
	settings      map[string]*models.AgentSettings // key: tenant id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	// AI response records older than this are evicted. Zero keeps them forever.
	responseTTL time.Duration

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to dataDir/data.json.
func NewMemoryStore(dataDir string, responseTTL time.Duration) *MemoryStore {
	m := &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		diagnostics:   make(map[string]*models.Diagnostic),
		responses:     make([]*models.AIResponseRecord, 0),
		settings:      make(map[string]*models.AgentSettings),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		responseTTL:   responseTTL,
		now:           time.Now,
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	if responseTTL > 0 {
		go m.responseEvictionLoop()
	}

	log.Info().
		Str("response_ttl", responseTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) responseEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredResponses()
		}
	}
}

// evictExpiredResponses drops AI response records older than responseTTL.
func (m *MemoryStore) evictExpiredResponses() int {
	cutoff := m.now().Add(-m.responseTTL)

	m.mu.Lock()
	kept := m.responses[:0]
	for _, r := range m.responses {
		if !r.CreatedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	evicted := len(m.responses) - len(kept)
	m.responses = kept
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.responseTTL.String()).Msg("Evicted expired AI response records")
		m.requestSave()
	}
	return evicted
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Conversations: m.conversations,
		Messages:      m.messages,
		Diagnostics:   m.diagnostics,
		Responses:     m.responses,
		Settings:      m.settings,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Diagnostics != nil {
		m.diagnostics = snap.Diagnostics
	}
	if snap.Responses != nil {
		m.responses = snap.Responses
	}
	if snap.Settings != nil {
		m.settings = snap.Settings
	}

	log.Info().
		Int("conversations", len(m.conversations)).
		Int("responses", len(m.responses)).
		Int("tenants_with_settings", len(m.settings)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Conversation Store ──────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	copy := *c
	return &copy, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	if err := conv.CheckWorkflowInvariant(); err != nil {
		return err
	}
	m.mu.Lock()
	copy := *conv
	copy.AIWorkflowState = copy.WorkflowState()
	if copy.Status == "" {
		copy.Status = models.ConversationOpen
	}
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = m.now()
	}
	copy.UpdatedAt = copy.CreatedAt
	m.conversations[conv.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConversationStatus(_ context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	c.Status = status
	c.UpdatedAt = m.now()
	copy := *c
	m.mu.Unlock()
	m.requestSave()
	return &copy, nil
}

func (m *MemoryStore) CompareAndSwapWorkflow(_ context.Context, id string, expected models.AIWorkflowState, upd WorkflowUpdate) (*models.Conversation, error) {
	if err := validateWorkflowUpdate(upd); err != nil {
		return nil, err
	}
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if c.WorkflowState() != expected.Normalize() {
		current := *c
		m.mu.Unlock()
		return nil, &ErrStateConflict{ConversationID: id, Expected: expected, Current: &current}
	}
	applyWorkflow(c, upd, m.now())
	copy := *c
	m.mu.Unlock()
	m.requestSave()
	return &copy, nil
}

// ScanConversations walks the tenant's conversations through the index the
// scan selects. Like a database index scan, only the indexed fields are
// filtered here.
func (m *MemoryStore) ScanConversations(_ context.Context, scan ConversationScan) ([]models.Conversation, error) {
	index := scan.Index()

	m.mu.RLock()
	result := make([]models.Conversation, 0)
	for _, c := range m.conversations {
		if c.TenantID != scan.TenantID {
			continue
		}
		switch index {
		case IndexByTenantAIState:
			if c.WorkflowState() != scan.AIState.Normalize() {
				continue
			}
		case IndexByTenantStatus:
			if c.Status != scan.Status {
				continue
			}
		}
		result = append(result, *c)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		ai, aj := result[i].ActivityAt(), result[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID > result[j].ID
	})
	if scan.Limit > 0 && len(result) > scan.Limit {
		result = result[:scan.Limit]
	}
	return result, nil
}

// ── Message Store ───────────────────────────────────────────

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}
	copy := *msg
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = m.now()
	}
	if copy.TenantID == "" {
		copy.TenantID = c.TenantID
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copy)
	at := copy.CreatedAt
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = &at
	}
	c.UpdatedAt = m.now()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	result := make([]models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		result = append(result, *msg)
	}
	return result, nil
}

// ── Diagnostic Store ────────────────────────────────────────

func (m *MemoryStore) PutDiagnostic(_ context.Context, diag *models.Diagnostic) error {
	m.mu.Lock()
	copy := *diag
	m.diagnostics[diag.TenantID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetDiagnostic(_ context.Context, tenantID string) (*models.Diagnostic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.diagnostics[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "diagnostic", Key: tenantID}
	}
	copy := *d
	return &copy, nil
}

// DeleteDiagnostic is idempotent: clearing an empty slot is not an error.
func (m *MemoryStore) DeleteDiagnostic(_ context.Context, tenantID string) error {
	m.mu.Lock()
	_, existed := m.diagnostics[tenantID]
	delete(m.diagnostics, tenantID)
	m.mu.Unlock()
	if existed {
		m.requestSave()
	}
	return nil
}

// ── Response Store ──────────────────────────────────────────

func (m *MemoryStore) AppendResponse(_ context.Context, rec *models.AIResponseRecord) error {
	m.mu.Lock()
	copy := *rec
	copy.Sources = append([]models.SourceRef(nil), rec.Sources...)
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = m.now()
	}
	m.responses = append(m.responses, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListResponses(_ context.Context, tenantID string, limit int) ([]models.AIResponseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AIResponseRecord
	for i := len(m.responses) - 1; i >= 0; i-- {
		r := m.responses[i]
		if r.TenantID != tenantID {
			continue
		}
		result = append(result, *r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ── Agent Settings Store ────────────────────────────────────

func (m *MemoryStore) GetAgentSettings(_ context.Context, tenantID string) (*models.AgentSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent settings", Key: tenantID}
	}
	copy := *s
	copy.KnowledgeSources = append([]string(nil), s.KnowledgeSources...)
	return &copy, nil
}

func (m *MemoryStore) UpsertAgentSettings(_ context.Context, settings *models.AgentSettings) error {
	m.mu.Lock()
	copy := *settings
	copy.KnowledgeSources = append([]string(nil), settings.KnowledgeSources...)
	copy.UpdatedAt = m.now()
	m.settings[settings.TenantID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL, verifies the connection and runs
// migrations. maxConns <= 0 keeps the pgxpool default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS rd_conversations (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL,
			visitor_id          TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'open',
			last_message_at     TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ai_workflow_state   TEXT NOT NULL DEFAULT 'none',
			ai_handoff_reason   TEXT NOT NULL DEFAULT '',
			ai_last_confidence  DOUBLE PRECISION,
			ai_last_response_at TIMESTAMPTZ,
			CHECK ((ai_workflow_state = 'handoff') = (ai_handoff_reason <> ''))
		);

		CREATE INDEX IF NOT EXISTS idx_rd_conv_tenant ON rd_conversations
			(tenant_id, COALESCE(last_message_at, created_at) DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_rd_conv_tenant_status ON rd_conversations
			(tenant_id, status, COALESCE(last_message_at, created_at) DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_rd_conv_tenant_ai_state ON rd_conversations
			(tenant_id, ai_workflow_state, COALESCE(last_message_at, created_at) DESC, id DESC);

		CREATE TABLE IF NOT EXISTS rd_messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES rd_conversations(id),
			tenant_id       TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_type     TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rd_messages_conv ON rd_messages (conversation_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS rd_diagnostics (
			tenant_id   TEXT PRIMARY KEY,
			code        TEXT NOT NULL,
			message     TEXT NOT NULL,
			provider    TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rd_ai_responses (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			conversation_id    TEXT NOT NULL,
			message_id         TEXT NOT NULL DEFAULT '',
			query              TEXT NOT NULL,
			response           TEXT NOT NULL,
			sources            JSONB NOT NULL DEFAULT '[]',
			confidence         DOUBLE PRECISION NOT NULL,
			handed_off         BOOLEAN NOT NULL,
			handoff_reason     TEXT NOT NULL DEFAULT '',
			generation_time_ms BIGINT NOT NULL,
			usage              JSONB NOT NULL DEFAULT '{}',
			model              TEXT NOT NULL,
			provider           TEXT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rd_ai_responses_tenant ON rd_ai_responses (tenant_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS rd_agent_settings (
			tenant_id            TEXT PRIMARY KEY,
			enabled              BOOLEAN NOT NULL,
			model                TEXT NOT NULL DEFAULT '',
			personality          TEXT NOT NULL DEFAULT '',
			confidence_threshold DOUBLE PRECISION NOT NULL,
			knowledge_sources    TEXT[] NOT NULL DEFAULT '{}',
			handoff_message      TEXT NOT NULL DEFAULT '',
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Conversation Store ──────────────────────────────────────

const conversationColumns = `id, tenant_id, visitor_id, status, last_message_at, created_at, updated_at,
	ai_workflow_state, ai_handoff_reason, ai_last_confidence, ai_last_response_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.VisitorID, &c.Status, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
		&c.AIWorkflowState, &c.AIHandoffReason, &c.AILastConfidence, &c.AILastResponseAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM rd_conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := conv.CheckWorkflowInvariant(); err != nil {
		return err
	}
	status := conv.Status
	if status == "" {
		status = models.ConversationOpen
	}
	created := conv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rd_conversations (id, tenant_id, visitor_id, status, last_message_at, created_at, updated_at,
			ai_workflow_state, ai_handoff_reason, ai_last_confidence, ai_last_response_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.TenantID, conv.VisitorID, status, conv.LastMessageAt, created,
		conv.WorkflowState(), conv.AIHandoffReason, conv.AILastConfidence, conv.AILastResponseAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		UPDATE rd_conversations SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+conversationColumns, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update conversation status: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CompareAndSwapWorkflow(ctx context.Context, id string, expected models.AIWorkflowState, upd WorkflowUpdate) (*models.Conversation, error) {
	if err := validateWorkflowUpdate(upd); err != nil {
		return nil, err
	}
	reason := ""
	if upd.State == models.AIStateHandoff {
		reason = upd.HandoffReason
	}

	c, err := scanConversation(s.pool.QueryRow(ctx, `
		UPDATE rd_conversations SET
			ai_workflow_state   = $3,
			ai_handoff_reason   = $4,
			ai_last_confidence  = COALESCE($5, ai_last_confidence),
			ai_last_response_at = COALESCE($6, ai_last_response_at),
			updated_at          = NOW()
		WHERE id = $1 AND ai_workflow_state = $2
		RETURNING `+conversationColumns,
		id, expected.Normalize(), upd.State, reason, upd.Confidence, upd.RespondedAt))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("swap workflow state: %w", err)
	}

	// Either the row is missing or another writer moved the state first.
	current, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &ErrStateConflict{ConversationID: id, Expected: expected, Current: current}
}

func (s *PostgresStore) ScanConversations(ctx context.Context, scan ConversationScan) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM rd_conversations WHERE tenant_id = $1`
	args := []interface{}{scan.TenantID}

	switch scan.Index() {
	case IndexByTenantAIState:
		query += ` AND ai_workflow_state = $2`
		args = append(args, scan.AIState.Normalize())
	case IndexByTenantStatus:
		query += ` AND status = $2`
		args = append(args, scan.Status)
	}

	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`
	if scan.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, scan.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	defer rows.Close()

	result := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ── Message Store ───────────────────────────────────────────

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tenantID string
	err = tx.QueryRow(ctx, `
		UPDATE rd_conversations SET
			last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
			updated_at = NOW()
		WHERE id = $1
		RETURNING tenant_id`, msg.ConversationID, created).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if msg.TenantID != "" {
		tenantID = msg.TenantID
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO rd_messages (id, conversation_id, tenant_id, sender_id, sender_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, tenantID, msg.SenderID, msg.SenderType, msg.Content, created); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, tenant_id, sender_id, sender_type, content, created_at
		FROM (
			SELECT * FROM rd_messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.SenderID, &m.SenderType, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// ── Diagnostic Store ────────────────────────────────────────

func (s *PostgresStore) PutDiagnostic(ctx context.Context, diag *models.Diagnostic) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rd_diagnostics (tenant_id, code, message, provider, model, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			code = EXCLUDED.code,
			message = EXCLUDED.message,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			detail = EXCLUDED.detail,
			recorded_at = EXCLUDED.recorded_at`,
		diag.TenantID, diag.Code, diag.Message, diag.Provider, diag.Model, diag.Detail, diag.RecordedAt)
	if err != nil {
		return fmt.Errorf("put diagnostic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiagnostic(ctx context.Context, tenantID string) (*models.Diagnostic, error) {
	var d models.Diagnostic
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, code, message, provider, model, detail, recorded_at
		FROM rd_diagnostics WHERE tenant_id = $1`, tenantID).
		Scan(&d.TenantID, &d.Code, &d.Message, &d.Provider, &d.Model, &d.Detail, &d.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "diagnostic", Key: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("get diagnostic: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) DeleteDiagnostic(ctx context.Context, tenantID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rd_diagnostics WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete diagnostic: %w", err)
	}
	return nil
}

// ── Response Store ──────────────────────────────────────────

func (s *PostgresStore) AppendResponse(ctx context.Context, rec *models.AIResponseRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	sources := rec.Sources
	if sources == nil {
		sources = []models.SourceRef{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rd_ai_responses (id, tenant_id, conversation_id, message_id, query, response, sources,
			confidence, handed_off, handoff_reason, generation_time_ms, usage, model, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.TenantID, rec.ConversationID, rec.MessageID, rec.Query, rec.Response, sources,
		rec.Confidence, rec.HandedOff, rec.HandoffReason, rec.GenerationTimeMs, rec.Usage,
		rec.Model, rec.Provider, created)
	if err != nil {
		return fmt.Errorf("append response: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, tenantID string, limit int) ([]models.AIResponseRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, message_id, query, response, sources,
			confidence, handed_off, handoff_reason, generation_time_ms, usage, model, provider, created_at
		FROM rd_ai_responses WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var result []models.AIResponseRecord
	for rows.Next() {
		var r models.AIResponseRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ConversationID, &r.MessageID, &r.Query, &r.Response, &r.Sources,
			&r.Confidence, &r.HandedOff, &r.HandoffReason, &r.GenerationTimeMs, &r.Usage,
			&r.Model, &r.Provider, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Agent Settings Store ────────────────────────────────────

func (s *PostgresStore) GetAgentSettings(ctx context.Context, tenantID string) (*models.AgentSettings, error) {
	var st models.AgentSettings
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, model, personality, confidence_threshold, knowledge_sources, handoff_message, updated_at
		FROM rd_agent_settings WHERE tenant_id = $1`, tenantID).
		Scan(&st.TenantID, &st.Enabled, &st.Model, &st.Personality, &st.ConfidenceThreshold,
			&st.KnowledgeSources, &st.HandoffMessage, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent settings", Key: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent settings: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) UpsertAgentSettings(ctx context.Context, st *models.AgentSettings) error {
	sources := st.KnowledgeSources
	if sources == nil {
		sources = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rd_agent_settings (tenant_id, enabled, model, personality, confidence_threshold,
			knowledge_sources, handoff_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			model = EXCLUDED.model,
			personality = EXCLUDED.personality,
			confidence_threshold = EXCLUDED.confidence_threshold,
			knowledge_sources = EXCLUDED.knowledge_sources,
			handoff_message = EXCLUDED.handoff_message,
			updated_at = NOW()`,
		st.TenantID, st.Enabled, st.Model, st.Personality, st.ConfidenceThreshold, sources, st.HandoffMessage)
	if err != nil {
		return fmt.Errorf("upsert agent settings: %w", err)
	}
	return nil
}

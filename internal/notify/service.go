// Package notify tells human agents about conversations that need them.
//
// A handoff enqueues a handoff.notify job; the queue worker hands it to
// Service.HandleJob, which POSTs the event to the configured webhook. Failed
// deliveries return an error so the queue retries them with backoff.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/internal/queue"
	"github.com/rs/zerolog/log"
)

// JobHandoff is the queue job type for handoff notifications.
const JobHandoff = "handoff.notify"

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventHandoff EventType = "conversation.handoff"
)

// Event is the webhook payload.
type Event struct {
	Type           EventType `json:"type"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         string    `json:"reason,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewHandoffEvent builds the event for a conversation handed to a human.
func NewHandoffEvent(tenantID, conversationID, reason string, confidence *float64, messageID string) Event {
	return Event{
		Type:           EventHandoff,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Reason:         reason,
		Confidence:     confidence,
		MessageID:      messageID,
		Timestamp:      time.Now().UTC(),
	}
}

// ── Service ──────────────────────────────────────────────────

// Config configures the webhook target. An empty URL disables delivery:
// events are logged and dropped.
type Config struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
}

// Service delivers notification events to the webhook.
type Service struct {
	cfg    Config
	client *http.Client
}

func NewService(cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether a webhook is configured.
func (s *Service) Enabled() bool {
	return s.cfg.WebhookURL != ""
}

// HandleJob is the queue.Handler for JobHandoff jobs.
func (s *Service) HandleJob(ctx context.Context, job *queue.Job) error {
	var event Event
	if err := job.Decode(&event); err != nil {
		return err
	}
	return s.Dispatch(ctx, event)
}

// Dispatch sends one event. It makes a single attempt; retries belong to
// the queue.
func (s *Service) Dispatch(ctx context.Context, event Event) error {
	if !s.Enabled() {
		log.Debug().
			Str("tenant", event.TenantID).
			Str("conversation", event.ConversationID).
			Str("event", string(event.Type)).
			Msg("No notification webhook configured, dropping event")
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RelayDesk-Webhook/1.0")
	req.Header.Set("X-RelayDesk-Event", string(event.Type))
	req.Header.Set("X-RelayDesk-Tenant", event.TenantID)
	if s.cfg.Secret != "" {
		req.Header.Set("X-RelayDesk-Signature", "sha256="+Sign(s.cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.cfg.WebhookURL)
	}

	log.Info().
		Str("tenant", event.TenantID).
		Str("conversation", event.ConversationID).
		Str("event", string(event.Type)).
		Msg("🔔 Handoff notification delivered")
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in the
// X-RelayDesk-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RELAYDESK_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Triage.DefaultModel)
	assert.Equal(t, 1, cfg.Triage.RetryLimit)
	assert.InDelta(t, 0.6, cfg.Triage.DefaultConfidenceThreshold, 1e-9)
	assert.Equal(t, 500, cfg.Inbox.ScanCeiling)
	assert.Equal(t, ":memory:", cfg.Queue.Dir)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
database:
  driver: postgres
  url: postgres://example/relaydesk
queue:
  poll_interval: 2s
auth:
  api_keys: [key-a, key-b]
triage:
  default_model: openai/gpt-4o
  default_confidence_threshold: 0.75
notify:
  webhook_url: https://hooks.example.com/relaydesk
`), 0o644))

	t.Setenv("RELAYDESK_CONFIG", path)
	t.Setenv("RELAYDESK_PORT", "7070")
	t.Setenv("RELAYDESK_API_KEYS", "env-key, other ,")
	t.Setenv("RELAYDESK_QUEUE_POLL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port, "env overrides the file")
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval, "invalid env values keep the file value")
	assert.Equal(t, []string{"env-key", "other"}, cfg.Auth.APIKeys)
	assert.Equal(t, "openai/gpt-4o", cfg.Triage.DefaultModel)
	assert.InDelta(t, 0.75, cfg.Triage.DefaultConfidenceThreshold, 1e-9)
	assert.Equal(t, "https://hooks.example.com/relaydesk", cfg.Notify.WebhookURL)
	assert.Equal(t, 1024, cfg.Triage.MaxOutputTokens, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("RELAYDESK_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Driver = "mysql"
	cfg.Triage.DefaultConfidenceThreshold = 2
	cfg.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
	assert.Contains(t, err.Error(), "threshold")
	assert.Contains(t, err.Error(), "port")

	cfg = Defaults()
	cfg.Database.Driver = "postgres"
	cfg.Database.URL = ""
	assert.Error(t, cfg.Validate())
}

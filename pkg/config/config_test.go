package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/advisor/internal/messaging"
	"github.com/aixgo-dev/advisor/pkg/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "advisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, session.StoreMemory, cfg.Session.Store)
	assert.Equal(t, CompletionScripted, cfg.Completion.Provider)
	assert.Equal(t, CRMMemory, cfg.CRM.Provider)
	assert.Equal(t, messaging.TransportGoChannel, cfg.Messaging.Transport)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  actor_burst: 2
session:
  store: redis
  window_turns: 6
  redis:
    addr: "redis:6379"
retrieval:
  endpoint: "http://search.local/query"
  relevance_threshold: 0.7
completion:
  provider: openai
  api_key: sk-test
  timeout: 45s
crm:
  provider: http
  base_url: "https://crm.local/api"
handoff:
  ledger: redis
  max_resumes: 2
  resume_schedule: "*/5 * * * *"
  retry:
    max_attempts: 4
    step_timeout: 3s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Server.ActorBurst)
	assert.Equal(t, "redis:6379", cfg.Session.Redis.Addr)
	assert.Equal(t, 6, cfg.Conversation.WindowTurns, "conversation window follows the session window")
	assert.Equal(t, "http://search.local/query", cfg.Retrieval.Endpoint)
	assert.Equal(t, 45*time.Second, cfg.Completion.Timeout)
	assert.Equal(t, uint(4), cfg.Handoff.Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Handoff.Retry.StepTimeout)
	assert.Equal(t, 2, cfg.Handoff.MaxResumes)
	assert.Equal(t, "handed_off", cfg.Handoff.HandedOffStatus, "unset keys keep defaults")
	assert.True(t, cfg.NeedsRedis())

	oa := cfg.OpenAI()
	assert.Equal(t, "sk-test", oa.APIKey)
	assert.Equal(t, 0.7, oa.Threshold)
	assert.Equal(t, cfg.Retrieval.MaxResults, oa.MaxResults)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "server: [", "failed to parse config"},
		{"unknown store", "session: {store: etcd}", `session.store "etcd"`},
		{"openai without key", "completion: {provider: openai}", "completion.api_key"},
		{"http crm without url", "crm: {provider: http}", "crm.base_url"},
		{"threshold out of range", "retrieval: {relevance_threshold: 1.5}", "relevance_threshold"},
		{"bad schedule", "handoff: {resume_schedule: sometimes}", "handoff.resume_schedule"},
		{"unknown transport", "messaging: {transport: kafka}", "messaging.transport"},
		{"firestore without project", "session: {store: firestore}", "project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Completion.Provider = CompletionOpenAI
	cfg.CRM.Provider = CRMHTTP
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion.api_key")
	assert.Contains(t, err.Error(), "crm.base_url")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY":              "sk-env",
		"ADVISOR_REDIS_ADDR":          "cache:6379",
		"ADVISOR_CRM_TOKEN":           "crm-secret",
		"GOOGLE_CLOUD_PROJECT":        "proj-1",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
		"OTEL_EXPORTER_OTLP_HEADERS":  "authorization=Bearer x,team=admissions",
		"ADVISOR_LOG_LEVEL":           "",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "sk-env", cfg.Completion.APIKey)
	assert.Equal(t, "cache:6379", cfg.Session.Redis.Addr)
	assert.Equal(t, "crm-secret", cfg.CRM.Token)
	assert.Equal(t, "proj-1", cfg.Session.Firestore.ProjectID)
	assert.Equal(t, "collector:4318", cfg.Observability.Tracing.OTLPEndpoint)
	assert.Equal(t, "Bearer x", cfg.Observability.Tracing.OTLPHeaders["authorization"])
	assert.Equal(t, "info", cfg.Log.Level, "empty values do not override")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Server.Addr = ":7070"
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", loaded.Server.Addr)
	assert.Equal(t, cfg.Handoff.Retry, loaded.Handoff.Retry)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Completion.APIKey = "sk-live"
	cfg.CRM.Token = "tok"
	cfg.Observability.Tracing.OTLPHeaders = map[string]string{"authorization": "Bearer y"}

	r := cfg.Redacted()
	assert.Equal(t, "********", r.Completion.APIKey)
	assert.Equal(t, "********", r.CRM.Token)
	assert.Equal(t, "********", r.Observability.Tracing.OTLPHeaders["authorization"])
	assert.Empty(t, r.Messaging.WebhookToken)
	assert.Equal(t, "sk-live", cfg.Completion.APIKey, "original untouched")
}

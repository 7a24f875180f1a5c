// Package config loads the advisor service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/advisor/internal/completion"
	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/internal/crm"
	"github.com/aixgo-dev/advisor/internal/logging"
	"github.com/aixgo-dev/advisor/internal/messaging"
	tracing "github.com/aixgo-dev/advisor/internal/observability"
	"github.com/aixgo-dev/advisor/internal/server"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
)

// Provider names.
const (
	CompletionOpenAI   = "openai"
	CompletionScripted = "scripted"
	CRMHTTP            = "http"
	CRMMemory          = "memory"
	LedgerMemory       = "memory"
	LedgerRedis        = "redis"
)

// Config represents the application configuration
type Config struct {
	Server        server.Config       `yaml:"server"`
	Log           logging.Config      `yaml:"log"`
	Session       session.Config      `yaml:"session"`
	Conversation  conversation.Config `yaml:"conversation"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Completion    CompletionConfig    `yaml:"completion"`
	CRM           CRMConfig           `yaml:"crm"`
	Messaging     messaging.Config    `yaml:"messaging"`
	Handoff       HandoffConfig       `yaml:"handoff"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RetrievalConfig configures document search. An empty endpoint disables
// search and every answer is treated as ungrounded.
type RetrievalConfig struct {
	retrieval.HTTPConfig `yaml:",inline"`
	MaxResults           int     `yaml:"max_results"`
	RelevanceThreshold   float64 `yaml:"relevance_threshold"`
}

// CompletionConfig selects and configures the completion service.
type CompletionConfig struct {
	// Provider is "openai" or "scripted" (default, offline echo).
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// OpenAI combines the completion and retrieval sections.
func (c *Config) OpenAI() completion.OpenAIConfig {
	return completion.OpenAIConfig{
		APIKey:      c.Completion.APIKey,
		BaseURL:     c.Completion.BaseURL,
		Model:       c.Completion.Model,
		Temperature: c.Completion.Temperature,
		Timeout:     c.Completion.Timeout,
		MaxResults:  c.Retrieval.MaxResults,
		Threshold:   c.Retrieval.RelevanceThreshold,
	}
}

// CRMConfig selects and configures the CRM.
type CRMConfig struct {
	Provider   string `yaml:"provider"`
	crm.Config `yaml:",inline"`
	// Records seeds the in-memory CRM: contact -> record ID.
	Records map[string]string `yaml:"records,omitempty"`
}

// HandoffConfig configures the orchestrator, its ledger and the resumer.
type HandoffConfig struct {
	handoff.Config `yaml:",inline"`
	Ledger         string `yaml:"ledger"`
	ResumeSchedule string `yaml:"resume_schedule"`
	ResumeDisabled bool   `yaml:"resume_disabled"`
}

// ObservabilityConfig configures the ops server and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /health*; empty disables it.
	MetricsAddr string         `yaml:"metrics_addr"`
	Tracing     tracing.Config `yaml:"tracing"`
}

// Default returns a configuration that runs entirely in process.
func Default() *Config {
	return &Config{
		Server: server.Config{
			Addr:            ":8080",
			ActorRatePerSec: 1,
			ActorBurst:      5,
		},
		Log:     logging.Config{Level: "info", Format: logging.FormatJSON},
		Session: session.DefaultConfig(),
		Conversation: conversation.Config{
			WindowTurns: session.DefaultWindowTurns,
		},
		Retrieval: RetrievalConfig{
			MaxResults:         retrieval.DefaultMaxResults,
			RelevanceThreshold: retrieval.DefaultThreshold,
		},
		Completion: CompletionConfig{
			Provider: CompletionScripted,
			Model:    "gpt-4o-mini",
		},
		CRM: CRMConfig{Provider: CRMMemory},
		Messaging: messaging.Config{
			Transport: messaging.TransportGoChannel,
			Topic:     messaging.DefaultTopic,
			DedupeTTL: messaging.DefaultDedupeTTL,
		},
		Handoff: HandoffConfig{
			Config: handoff.Config{
				Retry:           handoff.DefaultRetryPolicy(),
				HandedOffStatus: handoff.DefaultHandedOffStatus,
				MaxResumes:      handoff.DefaultMaxResumes,
			},
			Ledger:         LedgerMemory,
			ResumeSchedule: handoff.DefaultResumeSchedule,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			Tracing:     tracing.Config{Exporter: tracing.ExporterNone},
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default, then
// applies environment overrides and validates. An empty path loads only
// defaults and environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.Conversation.WindowTurns = cfg.Session.WindowTurns

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(lookup lookupFunc) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	set(&c.Server.Addr, "ADVISOR_ADDR")
	set(&c.Log.Level, "ADVISOR_LOG_LEVEL")
	set(&c.Session.Store, "ADVISOR_STORE")
	set(&c.Session.Redis.Addr, "ADVISOR_REDIS_ADDR")
	set(&c.Session.Redis.Password, "ADVISOR_REDIS_PASSWORD")
	set(&c.Session.SQLite.Path, "ADVISOR_SQLITE_PATH")
	set(&c.Session.Firestore.ProjectID, "ADVISOR_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT")
	set(&c.Session.Firestore.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	set(&c.Retrieval.Endpoint, "ADVISOR_RETRIEVAL_ENDPOINT")
	set(&c.Retrieval.APIKey, "ADVISOR_RETRIEVAL_API_KEY")
	set(&c.Completion.APIKey, "OPENAI_API_KEY")
	set(&c.Completion.BaseURL, "OPENAI_BASE_URL")
	set(&c.CRM.BaseURL, "ADVISOR_CRM_URL")
	set(&c.CRM.Token, "ADVISOR_CRM_TOKEN")
	set(&c.Messaging.WebhookURL, "ADVISOR_DELIVERY_WEBHOOK")
	set(&c.Messaging.WebhookToken, "ADVISOR_DELIVERY_TOKEN")
	set(&c.Observability.Tracing.Exporter, "OTEL_TRACES_EXPORTER")
	set(&c.Observability.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	set(&c.Observability.Tracing.ServiceName, "OTEL_SERVICE_NAME")
	if v, ok := lookup("OTEL_EXPORTER_OTLP_HEADERS"); ok {
		if h := tracing.ParseHeaders(v); h != nil {
			c.Observability.Tracing.OTLPHeaders = h
		}
	}
}

// NeedsRedis reports whether any component is configured on Redis.
func (c *Config) NeedsRedis() bool {
	return c.Session.Store == session.StoreRedis ||
		c.Handoff.Ledger == LedgerRedis ||
		c.Messaging.Transport == messaging.TransportRedis
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Session.Store {
	case session.StoreMemory, session.StoreRedis, session.StoreSQLite:
	case session.StoreFirestore:
		if c.Session.Firestore.ProjectID == "" {
			add("session.firestore.project_id is required for the firestore store")
		}
	default:
		add("session.store %q is not one of memory, redis, sqlite, firestore", c.Session.Store)
	}
	if c.Session.Store == session.StoreSQLite && c.Session.SQLite.Path == "" {
		add("session.sqlite.path is required for the sqlite store")
	}
	if c.NeedsRedis() && c.Session.Redis.Addr == "" {
		add("session.redis.addr is required when redis is used")
	}
	if c.Session.WindowTurns <= 0 {
		add("session.window_turns must be positive")
	}

	if t := c.Retrieval.RelevanceThreshold; t < 0 || t > 1 {
		add("retrieval.relevance_threshold must be within [0, 1], got %v", t)
	}

	switch c.Completion.Provider {
	case CompletionScripted:
	case CompletionOpenAI:
		if c.Completion.APIKey == "" {
			add("completion.api_key (or OPENAI_API_KEY) is required for the openai provider")
		}
	default:
		add("completion.provider %q is not one of openai, scripted", c.Completion.Provider)
	}

	switch c.CRM.Provider {
	case CRMMemory:
	case CRMHTTP:
		if c.CRM.BaseURL == "" {
			add("crm.base_url (or ADVISOR_CRM_URL) is required for the http crm")
		}
	default:
		add("crm.provider %q is not one of http, memory", c.CRM.Provider)
	}

	switch c.Messaging.Transport {
	case messaging.TransportGoChannel, messaging.TransportRedis:
	default:
		add("messaging.transport %q is not one of gochannel, redis", c.Messaging.Transport)
	}

	switch c.Handoff.Ledger {
	case LedgerMemory, LedgerRedis:
	default:
		add("handoff.ledger %q is not one of memory, redis", c.Handoff.Ledger)
	}
	if c.Handoff.Retry.MaxAttempts == 0 {
		add("handoff.retry.max_attempts must be positive")
	}
	if !c.Handoff.ResumeDisabled {
		if _, err := cron.ParseStandard(c.Handoff.ResumeSchedule); err != nil {
			add("handoff.resume_schedule %q: %v", c.Handoff.ResumeSchedule, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return strings.Repeat("*", 8)
	}
	cp.Session.Redis.Password = mask(cp.Session.Redis.Password)
	cp.Retrieval.APIKey = mask(cp.Retrieval.APIKey)
	cp.Completion.APIKey = mask(cp.Completion.APIKey)
	cp.CRM.Token = mask(cp.CRM.Token)
	cp.Messaging.WebhookToken = mask(cp.Messaging.WebhookToken)
	if len(cp.Observability.Tracing.OTLPHeaders) > 0 {
		h := make(map[string]string, len(cp.Observability.Tracing.OTLPHeaders))
		for k := range cp.Observability.Tracing.OTLPHeaders {
			h[k] = mask("x")
		}
		cp.Observability.Tracing.OTLPHeaders = h
	}
	return &cp
}

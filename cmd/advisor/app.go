package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/internal/completion"
	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/internal/crm"
	"github.com/aixgo-dev/advisor/internal/logging"
	"github.com/aixgo-dev/advisor/internal/messaging"
	"github.com/aixgo-dev/advisor/internal/server"
	"github.com/aixgo-dev/advisor/pkg/config"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/observability"
	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
)

// app holds every wired component of one advisor process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis      *redis.Client
	backend    session.Backend
	memory     *session.Memory
	registry   *session.Registry
	ledger     handoff.Ledger
	orch       *handoff.Orchestrator
	resumer    *handoff.Resumer
	transport  *messaging.Transport
	dispatcher *messaging.Dispatcher
	conv       *conversation.Service
	api        *server.Server
	health     *observability.HealthChecker

	closers []func() error
}

// newApp wires the components described by cfg. Close releases them.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, health: observability.NewHealthChecker(Version)}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if cfg.NeedsRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			PoolSize: cfg.Session.Redis.PoolSize,
		})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.health.RegisterCheck(observability.StoreCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}

	if err := a.openSessions(ctx); err != nil {
		return err
	}
	if err := a.openHandoffs(); err != nil {
		return err
	}

	comp, err := a.completion()
	if err != nil {
		return err
	}
	var opts []conversation.Option
	if cfg.Session.Store == session.StoreRedis {
		lease := conversation.NewRedisLease(a.redis, redisPrefix(cfg), cfg.Conversation.LeaseTTL(), a.logger)
		opts = append(opts, conversation.WithLease(lease))
	}
	a.conv = conversation.NewService(a.memory, a.registry, comp, a.orch, cfg.Conversation, a.logger, opts...)
	a.api = server.New(cfg.Server, a.conv, a.orch, a.registry, a.logger)
	return nil
}

func (a *app) openSessions(ctx context.Context) error {
	cfg := a.cfg.Session
	if cfg.Store == session.StoreRedis {
		a.backend = session.NewRedisBackendFromClient(a.redis, cfg.Redis.Prefix, cfg.Redis.TurnTTL)
	} else {
		b, err := session.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		a.backend = b
		a.closers = append(a.closers, b.Close)
	}
	if p, ok := a.backend.(session.Pinger); ok && cfg.Store != session.StoreRedis {
		a.health.RegisterCheck(observability.StoreCheck("session_store", p.Ping))
	}

	a.memory = session.NewMemory(a.backend,
		session.WithWindow(cfg.WindowTurns),
		session.WithWriteTimeout(cfg.WriteTimeout),
		session.WithLogger(a.logger),
	)
	a.registry = session.NewRegistry(a.backend, a.logger)
	return nil
}

func redisPrefix(cfg *config.Config) string {
	if cfg.Session.Redis.Prefix == "" {
		return "advisor:"
	}
	return cfg.Session.Redis.Prefix
}

func (a *app) openHandoffs() error {
	cfg := a.cfg
	prefix := redisPrefix(cfg)

	if cfg.Handoff.Ledger == config.LedgerRedis {
		a.ledger = handoff.NewRedisLedger(a.redis, prefix)
	} else {
		a.ledger = handoff.NewMemoryLedger()
	}

	var client handoff.CRM
	switch cfg.CRM.Provider {
	case config.CRMHTTP:
		c, err := crm.NewClient(cfg.CRM.Config, nil)
		if err != nil {
			return fmt.Errorf("create crm client: %w", err)
		}
		client = c
	default:
		client = crm.NewMemory(cfg.CRM.Records)
	}

	wlog := logging.NewWatermill(a.logger)
	transport, err := messaging.NewTransport(cfg.Messaging, a.redis, wlog)
	if err != nil {
		return fmt.Errorf("create messaging transport: %w", err)
	}
	a.transport = transport
	a.closers = append(a.closers, transport.Close)

	sent, claimed := a.dedupers(prefix)
	outbox := messaging.NewOutbox(transport.Publisher, cfg.Messaging.Topic, sent, a.logger)

	var sender messaging.Sender = messaging.LogSender{Logger: a.logger}
	if cfg.Messaging.WebhookURL != "" {
		sender = &messaging.WebhookSender{
			URL:   cfg.Messaging.WebhookURL,
			Token: cfg.Messaging.WebhookToken,
			HTTP:  &http.Client{Timeout: cfg.Messaging.SendTimeout},
		}
	}
	a.dispatcher, err = messaging.NewDispatcher(transport.Subscriber, claimed, sender, messaging.DispatcherConfig{
		Topic:       cfg.Messaging.Topic,
		SendTimeout: cfg.Messaging.SendTimeout,
		ClaimTTL:    cfg.Messaging.ClaimTTL,
	}, wlog, a.logger)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	a.orch = handoff.NewOrchestrator(a.ledger, client, outbox, a.memory, cfg.Handoff.Config, a.logger)
	if !cfg.Handoff.ResumeDisabled {
		a.resumer = handoff.NewResumer(a.orch, a.ledger, cfg.Handoff.ResumeSchedule, a.logger)
	}
	return nil
}

// dedupers returns the outbox marker store and the dispatcher claim store.
// They use distinct key spaces so a publish marker never looks like a
// delivery claim.
func (a *app) dedupers(prefix string) (sent, claimed messaging.Deduper) {
	ttl := a.cfg.Messaging.DedupeTTL
	if a.redis != nil {
		return messaging.NewRedisDeduper(a.redis, prefix+"outbox:", ttl),
			messaging.NewRedisDeduper(a.redis, prefix+"dispatch:", ttl)
	}
	return messaging.NewMemoryDeduper(ttl), messaging.NewMemoryDeduper(ttl)
}

func (a *app) completion() (completion.Service, error) {
	cfg := a.cfg
	if cfg.Completion.Provider != config.CompletionOpenAI {
		a.logger.Warn().Msg("using the scripted completion service; set completion.provider=openai for real answers")
		return &completion.ScriptedService{
			Respond:   completion.EchoScript,
			Threshold: cfg.Retrieval.RelevanceThreshold,
		}, nil
	}

	var searcher retrieval.Searcher = retrieval.StaticSearcher{}
	if cfg.Retrieval.Endpoint != "" {
		s, err := retrieval.NewHTTPSearcher(cfg.Retrieval.HTTPConfig, nil)
		if err != nil {
			return nil, fmt.Errorf("create searcher: %w", err)
		}
		searcher = s
	} else {
		a.logger.Warn().Msg("no retrieval endpoint configured; answers will be ungrounded")
	}

	svc, err := completion.NewOpenAIService(cfg.OpenAI(), searcher, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create completion service: %w", err)
	}
	return svc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	if a.dispatcher != nil {
		select {
		case <-a.dispatcher.Running():
			errs = append(errs, a.dispatcher.Close())
		default:
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

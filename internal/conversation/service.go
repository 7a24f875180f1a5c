// Package conversation runs one chat turn end to end: identity, session
// registry, memory window, completion, stream relay, persistence and
// handoff detection.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/advisor/internal/completion"
	tracing "github.com/aixgo-dev/advisor/internal/observability"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/observability"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

var (
	// ErrBusy is returned when an earlier turn of the same session did not
	// finish within the queue wait.
	ErrBusy = errors.New("conversation: session busy")
	// ErrInvalidRequest is returned for requests missing a prompt, contact
	// or session ID.
	ErrInvalidRequest = errors.New("conversation: invalid request")
)

// Config tunes turn handling.
type Config struct {
	// WindowTurns is the memory window sent to the completion (default 10).
	WindowTurns int `yaml:"window_turns"`
	// QueueWait bounds how long a turn waits behind an earlier one of the
	// same session (default 30s).
	QueueWait time.Duration `yaml:"queue_wait"`
	// TurnTimeout bounds a whole turn, independent of the client (default 2m).
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// Heartbeat is the keep-alive interval on idle streams (default 15s).
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// LeaseTTL is the lifetime of a cross-process turn lease. It outlasts the
// turn timeout so a live turn never loses its lease.
func (c Config) LeaseTTL() time.Duration {
	return c.withDefaults().TurnTimeout + 30*time.Second
}

func (c Config) withDefaults() Config {
	if c.WindowTurns <= 0 {
		c.WindowTurns = session.DefaultWindowTurns
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	return c
}

// Request is an inbound chat message.
type Request struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId"`
	ActorIdentifier string `json:"actorIdentifier"`
	SystemContext   string `json:"optionalSystemContext,omitempty"`
}

// Result describes a finished turn.
type Result struct {
	Scope   session.Scope
	Outcome stream.Outcome
	// Handoff is the attempt opened or found when the completion signalled
	// handoff intent.
	Handoff *handoff.Attempt
}

// Detector opens handoff attempts. Satisfied by *handoff.Orchestrator.
type Detector interface {
	Detect(ctx context.Context, scope session.Scope, contact string, brief handoff.Brief) (*handoff.Attempt, error)
}

// Service handles chat turns.
type Service struct {
	memory     *session.Memory
	registry   *session.Registry
	completion completion.Service
	detector   Detector
	locks      *sessionLocks
	lease      Lease
	cfg        Config
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLease serializes turns across processes as well. Without it turns of
// one session are serialized within this process only.
func WithLease(l Lease) Option {
	return func(s *Service) { s.lease = l }
}

// NewService wires a Service. detector may be nil to disable handoff.
func NewService(memory *session.Memory, registry *session.Registry, comp completion.Service, detector Detector, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.WindowTurns <= 0 && memory != nil {
		cfg.WindowTurns = memory.Window()
	}
	s := &Service{
		memory:     memory,
		registry:   registry,
		completion: comp,
		detector:   detector,
		locks:      newSessionLocks(),
		cfg:        cfg.withDefaults(),
		logger:     logger,
		tracer:     otel.Tracer("github.com/aixgo-dev/advisor/internal/conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope validates req and returns its normalized scope.
func (r Request) Scope() (session.Scope, error) {
	scope := session.NewScope(r.ActorIdentifier, r.SessionID)
	if err := scope.Validate(); err != nil {
		return scope, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return scope, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	return scope, nil
}

// HandleTurn runs one turn and relays it to w.
//
// An error is returned only before anything was written to w (invalid
// request, queue wait exceeded, ctx cancelled while queued). Once relaying
// starts, failures are reported to the client as an error frame and the
// turn still completes: ctx only controls relaying, and persistence runs
// detached from it.
func (s *Service) HandleTurn(ctx context.Context, req Request, w stream.FrameWriter) (*Result, error) {
	scope, err := req.Scope()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().
		Str("actor", scope.Actor.String()).
		Str("session", scope.Session).
		Logger()

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.QueueWait)
	release, err := s.acquire(waitCtx, scope)
	cancelWait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Dur("waited", s.cfg.QueueWait).Msg("turn rejected: session busy")
		return nil, ErrBusy
	}
	defer release()

	start := time.Now()
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TurnTimeout)
	defer cancel()
	turnCtx = session.ContextWithScope(turnCtx, scope)

	turnCtx, span := s.tracer.Start(turnCtx, "conversation.turn", trace.WithAttributes(
		attribute.String("advisor.actor", scope.Actor.String()),
		attribute.String("advisor.session", scope.Session),
	))
	defer span.End()
	logger = tracing.LogContext(turnCtx, logger)

	if _, err := s.registry.Touch(turnCtx, scope.Actor, scope.Session); err != nil {
		logger.Warn().Err(err).Msg("session registry touch failed")
	}

	window, err := s.memory.ReadWindow(turnCtx, scope, s.cfg.WindowTurns)
	if err != nil {
		logger.Warn().Err(err).Msg("memory window unavailable; answering without history")
		window = session.TurnWindow{}
	}

	done := observability.StreamStarted()
	events := s.completion.Stream(turnCtx, completion.Request{
		Scope:         scope,
		Prompt:        req.Prompt,
		SystemContext: req.SystemContext,
		History:       window,
	})
	mux := stream.NewMultiplexer(logger, stream.WithHeartbeat(s.cfg.Heartbeat))
	outcome := mux.Relay(ctx, events, w)
	done()

	// The user turn is stored even when the answer failed so the transcript
	// shows what was asked.
	_ = s.memory.AppendTurn(turnCtx, scope, session.RoleUser, req.Prompt)
	if outcome.Succeeded() {
		_ = s.memory.AppendTurn(turnCtx, scope, session.RoleAssistant, outcome.Final.Content)
	}

	res := &Result{Scope: scope, Outcome: outcome}
	if outcome.Succeeded() && outcome.Final.Handoff != nil && s.detector != nil {
		intent := outcome.Final.Handoff
		a, err := s.detector.Detect(turnCtx, scope, strings.TrimSpace(req.ActorIdentifier), handoff.Brief{
			Summary:  intent.Summary,
			Topics:   intent.Topics,
			Concerns: intent.Concerns,
		})
		if err != nil {
			logger.Error().Err(err).Msg("handoff detection failed")
		} else {
			res.Handoff = a
			logger.Info().Str("attempt_id", a.ID).Str("state", string(a.State)).Msg("handoff offered")
		}
	}

	label := turnLabel(outcome)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "turn failed")
	}
	span.SetAttributes(attribute.String("advisor.turn_outcome", label), attribute.Int("stream.relayed", outcome.Relayed))
	observability.RecordTurn(label, time.Since(start))
	logger.Debug().Str("outcome", label).Dur("took", time.Since(start)).Msg("turn finished")
	return res, nil
}

// acquire queues behind earlier turns of scope in this process, then takes
// the cross-process lease when one is configured.
func (s *Service) acquire(ctx context.Context, scope session.Scope) (func(), error) {
	release, err := s.locks.acquire(ctx, scope)
	if err != nil || s.lease == nil {
		return release, err
	}
	releaseLease, err := s.lease.Acquire(ctx, scope)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		releaseLease()
		release()
	}, nil
}

func turnLabel(o stream.Outcome) string {
	switch {
	case o.Disconnected && o.Succeeded():
		return "disconnected"
	case o.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}

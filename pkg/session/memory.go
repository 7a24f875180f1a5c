package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/observability"
)

// DefaultWriteTimeout bounds a single turn write.
const DefaultWriteTimeout = 5 * time.Second

// Memory is the turn store adapter used by the conversation loop and the
// handoff orchestrator. Writes are detached from the caller's cancellation
// so a client that goes away mid-stream never loses the turn.
type Memory struct {
	store        TurnStore
	window       int
	writeTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithWindow sets the window size reported by Window.
func WithWindow(turns int) MemoryOption {
	return func(m *Memory) {
		if turns > 0 {
			m.window = turns
		}
	}
}

// WithWriteTimeout bounds every AppendTurn call.
func WithWriteTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(l zerolog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// WithClock overrides the turn timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory wraps store.
func NewMemory(store TurnStore, opts ...MemoryOption) *Memory {
	m := &Memory{
		store:        store,
		window:       DefaultWindowTurns,
		writeTimeout: DefaultWriteTimeout,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendTurn stores one turn. The returned error is informational: the
// failure is already logged and counted, and callers continue the turn.
func (m *Memory) AppendTurn(ctx context.Context, scope Scope, role Role, content string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("append turn: unknown role %q", role)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.writeTimeout)
	defer cancel()

	turn := Turn{
		Actor:     scope.Actor,
		Session:   scope.Session,
		Role:      role,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.AppendTurn(wctx, turn); err != nil {
		observability.RecordMemoryWriteFailure(string(role))
		m.logger.Warn().Err(err).
			Str("actor", scope.Actor.String()).
			Str("session", scope.Session).
			Str("role", string(role)).
			Msg("turn write failed; continuing without it")
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Window is the configured window size, for callers without their own.
func (m *Memory) Window() int { return m.window }

// ReadWindow returns at most maxTurns of the newest turns, oldest first.
// maxTurns <= 0 and empty history both yield an empty window, never an error.
func (m *Memory) ReadWindow(ctx context.Context, scope Scope, maxTurns int) (TurnWindow, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if maxTurns <= 0 {
		return TurnWindow{}, nil
	}
	turns, err := m.store.LoadTurns(ctx, scope, maxTurns)
	if err != nil {
		return TurnWindow{}, fmt.Errorf("read window: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return TurnWindow(turns), nil
}

// ReadFullTranscript returns every turn of the scope in append order.
func (m *Memory) ReadFullTranscript(ctx context.Context, scope Scope) ([]Turn, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	turns, err := m.store.LoadTurns(ctx, scope, 0)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/identity"
	"github.com/aixgo-dev/advisor/pkg/observability"
)

// DefaultTouchAttempts bounds how often Touch re-reads after a conflict.
const DefaultTouchAttempts = 10

// Registry maintains the actor -> sessions mapping.
type Registry struct {
	backend  RegistryBackend
	attempts uint
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry on backend.
func NewRegistry(backend RegistryBackend, logger zerolog.Logger) *Registry {
	return &Registry{
		backend:  backend,
		attempts: DefaultTouchAttempts,
		logger:   logger,
		now:      time.Now,
	}
}

// Touch records a contact of actor in session: the record is created on
// first contact, session is appended if new, and latestSession and
// lastContactAt are bumped. Each attempt is one conditional write; lost
// races are retried with a short jittered backoff.
func (r *Registry) Touch(ctx context.Context, actor identity.ActorKey, session string) (*SessionRecord, error) {
	if err := (Scope{Actor: actor, Session: session}).Validate(); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	rec, err := backoff.Retry(ctx, func() (*SessionRecord, error) {
		rec, err := r.backend.UpdateRecord(ctx, actor, func(cur *SessionRecord) (*SessionRecord, error) {
			return touched(cur, actor, session, r.now().UTC()), nil
		})
		if errors.Is(err, ErrConflict) {
			observability.RecordRegistryConflict()
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return rec, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.attempts))
	if err != nil {
		r.logger.Error().Err(err).
			Str("actor", actor.String()).
			Str("session", session).
			Msg("session registry touch failed")
		return nil, fmt.Errorf("touch %s: %w", actor, err)
	}
	return rec, nil
}

// Lookup returns the record of actor or ErrRecordNotFound.
func (r *Registry) Lookup(ctx context.Context, actor identity.ActorKey) (*SessionRecord, error) {
	return r.backend.LoadRecord(ctx, actor)
}

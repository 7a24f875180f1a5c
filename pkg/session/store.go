package session

import (
	"context"
	"errors"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// Common errors for storage operations.
var (
	// ErrRecordNotFound is returned when an actor has no session record yet.
	ErrRecordNotFound = errors.New("session record not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrConflict is returned when a conditional write lost a race with a
	// concurrent writer. Callers re-read and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidScope is returned for an empty actor or session.
	ErrInvalidScope = errors.New("invalid session scope")
)

// TurnStore persists the append-only turn log.
// Implementations must be safe for concurrent use.
type TurnStore interface {
	// AppendTurn stores one turn. Turns of the same scope are returned in
	// the order they were appended.
	AppendTurn(ctx context.Context, turn Turn) error

	// LoadTurns returns the most recent limit turns of scope in ascending
	// order. limit <= 0 returns the full history. An unknown scope yields
	// an empty slice and no error.
	LoadTurns(ctx context.Context, scope Scope, limit int) ([]Turn, error)

	// Close releases any resources held by the backend.
	Close() error
}

// UpdateFunc computes the next record from the current one. cur is nil when
// the actor has no record yet. Returning an error aborts the update.
type UpdateFunc func(cur *SessionRecord) (*SessionRecord, error)

// RegistryBackend persists session records keyed by actor.
type RegistryBackend interface {
	// UpdateRecord applies fn as one conditional read-modify-write. It
	// returns ErrConflict when another writer changed the record between the
	// read and the write; nothing is stored in that case.
	UpdateRecord(ctx context.Context, actor identity.ActorKey, fn UpdateFunc) (*SessionRecord, error)

	// LoadRecord returns the record of actor or ErrRecordNotFound.
	LoadRecord(ctx context.Context, actor identity.ActorKey) (*SessionRecord, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Backend stores both turns and session records.
type Backend interface {
	TurnStore
	RegistryBackend
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

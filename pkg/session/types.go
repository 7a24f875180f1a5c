// Package session provides turn-windowed conversation memory and the
// per-actor session registry.
// Turns are append-only and partitioned by (actor, session); session records
// are keyed by actor and only ever mutated through atomic conditional writes.
package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	// RoleUser marks a turn written by the prospective student.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultWindowTurns is five logical exchanges.
const DefaultWindowTurns = 10

// Scope addresses one conversation instance of one actor.
type Scope struct {
	Actor   identity.ActorKey `json:"actor"`
	Session string            `json:"session"`
}

// NewScope normalizes the raw contact identifier and pairs it with sessionID.
func NewScope(rawContact, sessionID string) Scope {
	return Scope{Actor: identity.Normalize(rawContact), Session: sessionID}
}

// Validate returns ErrInvalidScope when either half of the scope is empty.
func (s Scope) Validate() error {
	if s.Actor.Empty() {
		return fmt.Errorf("%w: empty actor", ErrInvalidScope)
	}
	if s.Session == "" {
		return fmt.Errorf("%w: empty session", ErrInvalidScope)
	}
	return nil
}

func (s Scope) String() string {
	return string(s.Actor) + "/" + s.Session
}

// Turn is one immutable message of a conversation.
type Turn struct {
	// Actor is the normalized identity the turn belongs to.
	Actor identity.ActorKey `json:"actor"`
	// Session is the conversation instance.
	Session string `json:"session"`
	// Role is the producing side.
	Role Role `json:"role"`
	// Content is the message text exactly as the user saw it.
	Content string `json:"content"`
	// CreatedAt is when the turn was appended.
	CreatedAt time.Time `json:"createdAt"`
}

// Scope returns the (actor, session) pair of the turn.
func (t Turn) Scope() Scope {
	return Scope{Actor: t.Actor, Session: t.Session}
}

// TurnWindow is a read-only view of the most recent turns of a session,
// ordered by CreatedAt ascending.
type TurnWindow []Turn

// Len returns the number of turns in the window.
func (w TurnWindow) Len() int { return len(w) }

// Last returns the newest turn, if any.
func (w TurnWindow) Last() (Turn, bool) {
	if len(w) == 0 {
		return Turn{}, false
	}
	return w[len(w)-1], true
}

// SessionRecord tracks which sessions belong to an actor.
type SessionRecord struct {
	// Actor is the partition key.
	Actor identity.ActorKey `json:"actor"`
	// Sessions holds every session of the actor in first-contact order.
	Sessions []string `json:"sessions"`
	// LatestSession is the session of the most recent contact.
	LatestSession string `json:"latestSession"`
	// LastContactAt is the time of the most recent contact.
	LastContactAt time.Time `json:"lastContactAt"`
	// Version increases by one on every successful write. Backends that
	// implement compare-and-swap with a version column rely on it.
	Version int64 `json:"version"`
}

// Has reports whether session is already part of the record.
func (r *SessionRecord) Has(session string) bool {
	return r != nil && slices.Contains(r.Sessions, session)
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Sessions = slices.Clone(r.Sessions)
	return &cp
}

// touched returns the record that results from a contact in session at now.
// cur may be nil for a first contact. cur is never modified.
func touched(cur *SessionRecord, actor identity.ActorKey, session string, now time.Time) *SessionRecord {
	next := cur.Clone()
	if next == nil {
		next = &SessionRecord{Actor: actor}
	}
	if !next.Has(session) {
		next.Sessions = append(next.Sessions, session)
	}
	next.LatestSession = session
	next.LastContactAt = now
	next.Version++
	return next
}

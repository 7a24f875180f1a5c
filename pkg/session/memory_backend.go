package session

import (
	"context"
	"sync"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// MemoryBackend keeps turns and records in process memory.
// Used by tests and single-process development setups.
type MemoryBackend struct {
	mu      sync.RWMutex
	turns   map[Scope][]Turn
	records map[identity.ActorKey]*SessionRecord
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		turns:   make(map[Scope][]Turn),
		records: make(map[identity.ActorKey]*SessionRecord),
	}
}

func (b *MemoryBackend) AppendTurn(_ context.Context, turn Turn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	scope := turn.Scope()
	b.turns[scope] = append(b.turns[scope], turn)
	return nil
}

func (b *MemoryBackend) LoadTurns(_ context.Context, scope Scope, limit int) ([]Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	all := b.turns[scope]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Turn, len(all))
	copy(out, all)
	return out, nil
}

// UpdateRecord holds the write lock for the whole read-modify-write, so it
// never reports ErrConflict.
func (b *MemoryBackend) UpdateRecord(_ context.Context, actor identity.ActorKey, fn UpdateFunc) (*SessionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	next, err := fn(b.records[actor].Clone())
	if err != nil {
		return nil, err
	}
	b.records[actor] = next.Clone()
	return next, nil
}

func (b *MemoryBackend) LoadRecord(_ context.Context, actor identity.ActorKey) (*SessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := b.records[actor]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

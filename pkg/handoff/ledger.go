package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// Ledger persists the current attempt of each session.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Save stores a snapshot of a, replacing the session's previous attempt.
	Save(ctx context.Context, a *Attempt) error
	// Load returns the session's attempt or ErrNoAttempt.
	Load(ctx context.Context, scope session.Scope) (*Attempt, error)
	// ListUnfinished returns every attempt in StatePartiallyFailed or
	// StateExecuting, oldest update first.
	ListUnfinished(ctx context.Context) ([]*Attempt, error)
}

// MemoryLedger keeps attempts in process memory.
type MemoryLedger struct {
	mu       sync.RWMutex
	attempts map[session.Scope]*Attempt
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{attempts: make(map[session.Scope]*Attempt)}
}

func (l *MemoryLedger) Save(_ context.Context, a *Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[a.Scope()] = a.Clone()
	return nil
}

func (l *MemoryLedger) Load(_ context.Context, scope session.Scope) (*Attempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.attempts[scope]
	if !ok {
		return nil, ErrNoAttempt
	}
	return a.Clone(), nil
}

func (l *MemoryLedger) ListUnfinished(context.Context) ([]*Attempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Attempt
	for _, a := range l.attempts {
		if unfinished(a.State) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func unfinished(s State) bool {
	return s == StatePartiallyFailed || s == StateExecuting
}

// RedisLedger stores attempts as JSON strings and indexes unfinished ones in
// a set so any process can resume them.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger creates a ledger on client. Keys are prefixed with prefix
// (default "advisor:").
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "advisor:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) attemptKey(scope session.Scope) string {
	return l.prefix + "handoff:" + string(scope.Actor) + ":" + scope.Session
}

func (l *RedisLedger) unfinishedKey() string {
	return l.prefix + "handoff:unfinished"
}

func (l *RedisLedger) Save(ctx context.Context, a *Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	key := l.attemptKey(a.Scope())
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if unfinished(a.State) {
		pipe.SAdd(ctx, l.unfinishedKey(), key)
	} else {
		pipe.SRem(ctx, l.unfinishedKey(), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (l *RedisLedger) Load(ctx context.Context, scope session.Scope) (*Attempt, error) {
	return l.get(ctx, l.attemptKey(scope))
}

func (l *RedisLedger) get(ctx context.Context, key string) (*Attempt, error) {
	data, err := l.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	var a Attempt
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return &a, nil
}

func (l *RedisLedger) ListUnfinished(ctx context.Context) ([]*Attempt, error) {
	keys, err := l.client.SMembers(ctx, l.unfinishedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}

	out := make([]*Attempt, 0, len(keys))
	for _, key := range keys {
		a, err := l.get(ctx, key)
		if errors.Is(err, ErrNoAttempt) {
			l.client.SRem(ctx, l.unfinishedKey(), key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !unfinished(a.State) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

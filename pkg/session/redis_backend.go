package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// RedisBackend implements Backend using Redis.
// Turns live in one list per (actor, session); records are JSON strings
// updated under WATCH/MULTI so concurrent writers never lose an update.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all keys (default: "advisor:").
	Prefix string `yaml:"prefix"`
	// TurnTTL expires idle turn lists (0 = never expire).
	TurnTTL time.Duration `yaml:"turn_ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "advisor:"

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.TurnTTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) turnsKey(scope Scope) string {
	return b.prefix + "turns:" + string(scope.Actor) + ":" + scope.Session
}

func (b *RedisBackend) recordKey(actor identity.ActorKey) string {
	return b.prefix + "actor:" + string(actor)
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// AppendTurn pushes the turn onto the scope's list.
func (b *RedisBackend) AppendTurn(ctx context.Context, turn Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := b.turnsKey(turn.Scope())
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadTurns reads the tail of the scope's list.
func (b *RedisBackend) LoadTurns(ctx context.Context, scope Scope, limit int) ([]Turn, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	data, err := b.client.LRange(ctx, b.turnsKey(scope), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turns := make([]Turn, 0, len(data))
	for _, d := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// UpdateRecord runs fn inside an optimistic WATCH transaction on the actor key.
func (b *RedisBackend) UpdateRecord(ctx context.Context, actor identity.ActorKey, fn UpdateFunc) (*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	key := b.recordKey(actor)
	var next *SessionRecord

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := decodeRecord(tx.Get(ctx, key).Bytes())
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}

		next, err = fn(cur)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return next, nil
}

// LoadRecord returns the stored record of actor.
func (b *RedisBackend) LoadRecord(ctx context.Context, actor identity.ActorKey) (*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return decodeRecord(b.client.Get(ctx, b.recordKey(actor)).Bytes())
}

func decodeRecord(data []byte, err error) (*SessionRecord, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

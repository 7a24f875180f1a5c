package session

import (
	"context"
	"fmt"
	"time"
)

// Store names accepted by Config.Store.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
)

// Config holds session configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "redis", "sqlite", "firestore"
	// Default: "memory"
	Store string `yaml:"store"`

	// WindowTurns is the number of turns handed to the completion service.
	// Default: 10
	WindowTurns int `yaml:"window_turns"`

	// WriteTimeout bounds a single turn write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Redis     RedisConfig     `yaml:"redis,omitempty"`
	SQLite    SQLiteConfig    `yaml:"sqlite,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:        StoreMemory,
		WindowTurns:  DefaultWindowTurns,
		WriteTimeout: DefaultWriteTimeout,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: defaultRedisPrefix,
		},
		SQLite: SQLiteConfig{
			Path: "advisor.db",
		},
	}
}

// Open creates the backend named by cfg.Store.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Store {
	case "", StoreMemory:
		return NewMemoryBackend(), nil
	case StoreRedis:
		return NewRedisBackend(cfg.Redis)
	case StoreSQLite:
		return NewSQLiteBackend(cfg.SQLite)
	case StoreFirestore:
		return NewFirestoreBackend(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}

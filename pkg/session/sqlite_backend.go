package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// SQLiteBackend implements Backend on a single SQLite database file.
// Records carry a version column; updates are conditional on the version
// that was read, so a concurrent writer surfaces as ErrConflict.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// SQLiteConfig holds SQLite storage configuration.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is not supported because each
	// pooled connection would see its own database.
	Path string `yaml:"path"`
}

// NewSQLiteBackend opens (and migrates) the database at cfg.Path.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			session TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_scope ON turns(actor, session, id);`,
		`CREATE TABLE IF NOT EXISTS session_records (
			actor TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := b.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// AppendTurn inserts one row; the autoincrement id fixes the append order.
func (b *SQLiteBackend) AppendTurn(ctx context.Context, turn Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO turns(actor, session, role, content, created_at_ns)
		VALUES(?, ?, ?, ?, ?)
	`, string(turn.Actor), turn.Session, string(turn.Role), turn.Content, turn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadTurns reads the newest rows and returns them oldest first.
func (b *SQLiteBackend) LoadTurns(ctx context.Context, scope Scope, limit int) ([]Turn, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		limit = -1
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT role, content, created_at_ns
		FROM turns
		WHERE actor = ? AND session = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(scope.Actor), scope.Session, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := []Turn{}
	for rows.Next() {
		var (
			role, content string
			createdAt     int64
		)
		if err := rows.Scan(&role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, Turn{
			Actor:     scope.Actor,
			Session:   scope.Session,
			Role:      Role(role),
			Content:   content,
			CreatedAt: time.Unix(0, createdAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// UpdateRecord reads the record and its version, applies fn, then writes
// conditionally on the version read. Zero affected rows means a concurrent
// writer won.
func (b *SQLiteBackend) UpdateRecord(ctx context.Context, actor identity.ActorKey, fn UpdateFunc) (*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	cur, err := b.LoadRecord(ctx, actor)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var res sql.Result
	if cur == nil {
		res, err = b.db.ExecContext(ctx, `
			INSERT INTO session_records(actor, payload, version)
			VALUES(?, ?, ?)
			ON CONFLICT(actor) DO NOTHING
		`, string(actor), string(payload), next.Version)
	} else {
		res, err = b.db.ExecContext(ctx, `
			UPDATE session_records SET payload = ?, version = ?
			WHERE actor = ? AND version = ?
		`, string(payload), next.Version, string(actor), cur.Version)
	}
	if err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return next, nil
}

func (b *SQLiteBackend) LoadRecord(ctx context.Context, actor identity.ActorKey) (*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var (
		payload string
		version int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT payload, version FROM session_records WHERE actor = ?`, string(actor),
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

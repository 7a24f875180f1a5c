package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:", 0)

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	mr, backend := setupMiniredis(t)
	ctx := context.Background()
	scope := Scope{Actor: "15551234567", Session: "s1"}

	if err := backend.AppendTurn(ctx, Turn{Actor: scope.Actor, Session: scope.Session, Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if _, err := NewRegistry(backend, zerolog.Nop()).Touch(ctx, scope.Actor, scope.Session); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	items, err := mr.List("test:turns:15551234567:s1")
	if err != nil {
		t.Fatalf("turn list missing: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(items))
	}

	raw, err := mr.Get("test:actor:15551234567")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec.LatestSession != "s1" {
		t.Errorf("LatestSession = %q, want s1", rec.LatestSession)
	}
}

func TestRedisBackend_TurnTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "", time.Hour)
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	if err := backend.AppendTurn(ctx, Turn{Actor: "1", Session: "s", Role: RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	if ttl := mr.TTL("advisor:turns:1:s"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	turns, err := backend.LoadTurns(ctx, Scope{Actor: "1", Session: "s"}, 0)
	if err != nil {
		t.Fatalf("LoadTurns failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected expired history, got %d turns", len(turns))
	}
}

func TestRedisBackend_UpdateRecordConflict(t *testing.T) {
	mr, backend := setupMiniredis(t)
	ctx := context.Background()

	_, err := backend.UpdateRecord(ctx, "42", func(cur *SessionRecord) (*SessionRecord, error) {
		// A competing writer lands between WATCH and EXEC.
		if err := mr.Set("test:actor:42", `{"actor":"42","sessions":["other"],"version":1}`); err != nil {
			t.Fatalf("seed competing write: %v", err)
		}
		return touched(cur, "42", "mine", time.Now()), nil
	})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rec, err := backend.LoadRecord(ctx, "42")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if len(rec.Sessions) != 1 || rec.Sessions[0] != "other" {
		t.Errorf("competing write was overwritten: %v", rec.Sessions)
	}
}

func TestRedisBackend_Ping(t *testing.T) {
	_, backend := setupMiniredis(t)

	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	_ = backend.Close()
	if err := backend.Ping(context.Background()); err != ErrStorageClosed {
		t.Errorf("expected ErrStorageClosed after Close, got %v", err)
	}
}

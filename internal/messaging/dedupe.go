package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long an idempotency key is remembered.
const DefaultDedupeTTL = 7 * 24 * time.Hour

// DefaultClaimLease is used when Claim is given no lease.
const DefaultClaimLease = time.Minute

// ClaimResult is the outcome of Deduper.Claim.
type ClaimResult int

const (
	// Claimed means the caller holds the key until its lease runs out.
	Claimed ClaimResult = iota
	// Done means the key was already marked done.
	Done
	// InFlight means another holder's lease on the key is still live.
	InFlight
)

// Deduper remembers idempotency keys. A key is first claimed for a short
// lease while work is in progress and marked done once the work succeeded,
// so a holder that dies mid-work only blocks the key until its lease ends.
type Deduper interface {
	// Seen reports whether key is marked done.
	Seen(ctx context.Context, key string) (bool, error)
	// Claim takes key for lease unless it is done or claimed by someone else.
	Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, error)
	// Mark records key as done for the dedupe TTL.
	Mark(ctx context.Context, key string) error
	// Release drops a pending claim. Done keys are kept.
	Release(ctx context.Context, key string) error
}

const pendingValue = "pending"

// releasePending deletes a key only while it is still a pending claim.
var releasePending = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeduper stores keys with SET NX and a TTL so every process sharing
// the Redis instance sees the same claims. Pending claims hold the value
// "pending"; any other value means done.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper storing keys under prefix.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) key(k string) string {
	return d.prefix + "dedupe:" + k
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	v, err := d.client.Get(ctx, d.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe key: %w", err)
	}
	return v != pendingValue, nil
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, error) {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	k := d.key(key)
	ok, err := d.client.SetNX(ctx, k, pendingValue, lease).Result()
	if err != nil {
		return InFlight, fmt.Errorf("claim dedupe key: %w", err)
	}
	if ok {
		return Claimed, nil
	}
	v, err := d.client.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the next delivery will claim it.
		return InFlight, nil
	case err != nil:
		return InFlight, fmt.Errorf("read dedupe key: %w", err)
	case v == pendingValue:
		return InFlight, nil
	}
	return Done, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Err(); err != nil {
		return fmt.Errorf("mark dedupe key: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := releasePending.Run(ctx, d.client, []string{d.key(key)}, pendingValue).Err(); err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	keys map[string]dedupeEntry
	ttl  time.Duration
	now  func() time.Time
}

type dedupeEntry struct {
	done    bool
	expires time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{keys: make(map[string]dedupeEntry), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) live(key string) (dedupeEntry, bool) {
	e, ok := d.keys[key]
	if !ok {
		return e, false
	}
	if !d.now().Before(e.expires) {
		delete(d.keys, key)
		return e, false
	}
	return e, true
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.live(key)
	return ok && e.done, nil
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, lease time.Duration) (ClaimResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.live(key); ok {
		if e.done {
			return Done, nil
		}
		return InFlight, nil
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	d.keys[key] = dedupeEntry{expires: d.now().Add(lease)}
	return Claimed, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = dedupeEntry{done: true, expires: d.now().Add(d.ttl)}
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.live(key); ok && !e.done {
		delete(d.keys, key)
	}
	return nil
}

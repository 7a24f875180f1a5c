package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// Lease extends per-session turn serialization across processes.
type Lease interface {
	// Acquire waits until ctx is done for the scope's lease and returns its
	// release function.
	Acquire(ctx context.Context, scope session.Scope) (func(), error)
}

var errLeaseHeld = errors.New("turn lease held by another process")

// releaseScript deletes the lease only if it still carries our token, so a
// turn that overran its lease never frees someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease holds one key per session while a turn runs. The key expires
// after ttl, so a crashed holder blocks its session for at most that long.
type RedisLease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

// NewRedisLease creates a lease on client. ttl should exceed the turn
// timeout; see Config.LeaseTTL.
func NewRedisLease(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLease {
	if prefix == "" {
		prefix = "advisor:"
	}
	if ttl <= 0 {
		ttl = Config{}.LeaseTTL()
	}
	return &RedisLease{client: client, prefix: prefix, ttl: ttl, poll: 20 * time.Millisecond, logger: logger}
}

func (l *RedisLease) key(scope session.Scope) string {
	return l.prefix + "turn-lease:" + string(scope.Actor) + ":" + scope.Session
}

// Acquire polls for the lease with backoff. When Redis itself fails the turn
// proceeds under the in-process lock only; memory writes degrade the same way.
func (l *RedisLease) Acquire(ctx context.Context, scope session.Scope) (func(), error) {
	key := l.key(scope)
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.poll
	b.MaxInterval = 10 * l.poll
	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errLeaseHeld
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errLeaseHeld) {
			return nil, err
		}
		l.logger.Warn().Err(err).Str("key", key).Msg("turn lease unavailable; serializing in this process only")
		return func() {}, nil
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("turn lease release failed")
		}
	}, nil
}

package conversation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// sessionLocks serializes turns per scope. Entries are reference counted so
// idle scopes do not accumulate.
type sessionLocks struct {
	mu sync.Mutex
	m  map[session.Scope]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[session.Scope]*lockEntry)}
}

// acquire waits for the scope's turn slot until ctx is done.
func (l *sessionLocks) acquire(ctx context.Context, scope session.Scope) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[scope]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.m[scope] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(scope, e)
		return nil, err
	}
	return func() {
		e.sem.Release(1)
		l.unref(scope, e)
	}, nil
}

func (l *sessionLocks) unref(scope session.Scope, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, scope)
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

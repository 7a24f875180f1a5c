package session

import "context"

// ScopeKey is the context key under which the current Scope travels to
// collaborators that only see a context (tracing, completion adapters).
type ScopeKey struct{}

// ScopeFromContext retrieves the scope stored by ContextWithScope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ScopeKey{}).(Scope)
	return s, ok
}

// ContextWithScope attaches scope to ctx.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, ScopeKey{}, scope)
}

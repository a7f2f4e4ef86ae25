package coalescer

import "context"

type contextKey struct{}

// WithScope attaches scope to ctx for the lifetime of one transaction.
// No handler in this module calls it; ConsumeMutations builds and
// flushes its scopes directly.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, scope)
}

// FromContext retrieves the scope attached by WithScope, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(contextKey{}).(*Scope)
	return scope, ok
}

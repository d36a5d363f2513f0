package dcontext

import "context"

type parentKey struct{}

// DetachedContext returns a context that won't be canceled when the parent
// context is canceled. Registry requests run on a detached context so a
// request that is already on the wire is allowed to finish; the parent stays
// reachable through Parent so callers can still observe cancellation between
// attempts.
//
// The detached context preserves all values from the parent context (logger,
// build ID, etc.) but removes cancellation/deadline behavior.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), parentKey{}, ctx)
}

// Parent returns the context a detached context was created from. For any
// other context it returns ctx itself.
func Parent(ctx context.Context) context.Context {
	if parent, ok := ctx.Value(parentKey{}).(context.Context); ok {
		return parent
	}
	return ctx
}

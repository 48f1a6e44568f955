package plugins

import "context"

type activeLoaderKey struct{}

// WithActiveLoader returns a copy of ctx carrying loader as the active loading context.
// The parent ctx is never modified, so callers observe their own context unchanged
// once a scoped operation returns.
func WithActiveLoader(ctx context.Context, loader IsolatedLoader) context.Context {
	return context.WithValue(ctx, activeLoaderKey{}, loader)
}

// ActiveLoader returns the loader active in ctx, if any.
func ActiveLoader(ctx context.Context) (IsolatedLoader, bool) {
	if ctx == nil {
		return nil, false
	}
	loader, ok := ctx.Value(activeLoaderKey{}).(IsolatedLoader)
	return loader, ok
}

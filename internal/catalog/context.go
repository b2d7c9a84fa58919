package catalog

import "context"

// The catalog is an explicit instance owned by the application and carried
// on its context, rather than a package-level singleton; teardown follows
// the owning context's lifecycle.

type contextKey struct{}

// WithCatalog returns a context carrying c.
func WithCatalog(ctx context.Context, c *Catalog) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves the catalog from ctx, or nil if none is attached.
func FromContext(ctx context.Context) *Catalog {
	c, _ := ctx.Value(contextKey{}).(*Catalog)
	return c
}

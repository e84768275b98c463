package auth

import "context"

type claimsContextKey struct{}

// ContextWithClaims attaches verified access claims to ctx. Only the
// transport uses this; engine operations receive ids explicitly.
func ContextWithClaims(ctx context.Context, c *AccessClaims) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext returns claims previously stored with ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	return c, ok && c != nil
}

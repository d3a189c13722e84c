// Package requestid carries the per-request correlation id set by the HTTP
// server so that downstream packages can log and store it.
package requestid

import "context"

// Header carries the correlation id on requests and responses
const Header = "X-Request-ID"

type contextKey struct{}

// NewContext returns a copy of ctx carrying id
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the id stored in ctx, or "" when there is none
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

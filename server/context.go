package server

import (
	"context"

	"github.com/taskforge/engine/server/api"
)

// contextWithSubject attaches the authenticated owner principal to ctx
// under the key server/api reads back out via its owner() helper.
func contextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, api.OwnerContextKey{}, subject)
}

// subjectFrom reads the owner principal back out of ctx, for handlers
// defined directly in this package (e.g. /api/auth/me).
func subjectFrom(ctx context.Context) string {
	if v, ok := ctx.Value(api.OwnerContextKey{}).(string); ok {
		return v
	}
	return ""
}

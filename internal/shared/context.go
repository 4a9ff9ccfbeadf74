package shared

import (
	"context"
	"strings"
)

type principalContextKey struct{}

// ContextWithPrincipal stores the authenticated principal id in context.
func ContextWithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, strings.TrimSpace(userID))
}

// PrincipalFromContext extracts the principal id from context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(principalContextKey{}).(string)
	return id, id != ""
}

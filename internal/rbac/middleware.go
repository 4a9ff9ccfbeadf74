package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/menuauthz/internal/platform/httpx"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// AccessResolver resolves the effective access of a principal.
type AccessResolver interface {
	Resolve(ctx context.Context, userID string, at time.Time) (Effective, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver AccessResolver
	Logger   *slog.Logger
}

// RequireAny ensures the current user holds at least one of the required resource:action keys.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", normalizeKeys(keys), func(eff Effective, required []string) bool {
		for _, k := range required {
			if allowsKey(eff, k) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current user holds every required resource:action key.
func (m Middleware) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", normalizeKeys(keys), func(eff Effective, required []string) bool {
		for _, k := range required {
			if !allowsKey(eff, k) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) require(op string, required []string, check func(Effective, []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			eff, err := m.Resolver.Resolve(r.Context(), userID, time.Now().UTC())
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.String("user_id", userID), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if check(eff, required) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+strings.Join(required, ", "))
		})
	}
}

func allowsKey(eff Effective, k string) bool {
	resource, action, ok := strings.Cut(k, ":")
	if !ok {
		return false
	}
	return eff.Allows(resource, action)
}

func normalizeKeys(keys []string) []string {
	unique := make(map[string]struct{}, len(keys))
	normalized := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(strings.ToLower(k))
		if k == "" {
			continue
		}
		if _, dup := unique[k]; dup {
			continue
		}
		unique[k] = struct{}{}
		normalized = append(normalized, k)
	}
	return normalized
}

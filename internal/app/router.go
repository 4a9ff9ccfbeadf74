package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/menuauthz/internal/audit/http"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/observability"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/users"
	"github.com/odyssey-erp/menuauthz/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	MenuHandler        *menu.Handler
	RBACHandler        *rbac.Handler
	PermissionsHandler *rbac.PermissionsHandler
	UsersHandler       *users.Handler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		if params.MenuHandler != nil {
			r.Route("/menu", params.MenuHandler.MountRoutes)
		}
		if params.RBACHandler != nil {
			r.Route("/roles", params.RBACHandler.MountRoutes)
			r.Get("/me/permissions", params.RBACHandler.MyPermissions)
		}
		if params.UsersHandler != nil || params.RBACHandler != nil {
			r.Route("/users", func(r chi.Router) {
				if params.UsersHandler != nil {
					params.UsersHandler.MountRoutes(r)
				}
				if params.RBACHandler != nil {
					params.RBACHandler.MountUserRoutes(r)
				}
			})
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/menuauthz/internal/app"
	"github.com/odyssey-erp/menuauthz/internal/audit"
	audithttp "github.com/odyssey-erp/menuauthz/internal/audit/http"
	"github.com/odyssey-erp/menuauthz/internal/catalog"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/users"
	"github.com/odyssey-erp/menuauthz/jobs"
)

type env struct {
	router http.Handler
	rbac   *rbac.Service
	cache  *menu.Cache
	logger *slog.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := menu.NewCache(client, time.Minute)

	st := newStore()
	usersSvc := users.NewService(st)
	rbacSvc := rbac.NewService(roleRepo{st}, usersSvc)
	menuSvc := menu.NewService(itemRepo{st}, rbacSvc)
	auditSvc := audit.NewService(st)

	f, err := os.Open("../../deploy/catalog/catalog.yaml")
	require.NoError(t, err)
	defer f.Close()
	doc, err := catalog.Load(f)
	require.NoError(t, err)
	_, err = catalog.NewApplier(st, rbacSvc, menuSvc, logger).Apply(context.Background(), doc)
	require.NoError(t, err)

	mw := rbac.Middleware{Resolver: rbacSvc, Logger: logger}
	bucket := time.Now()
	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             &app.Config{AppEnv: "test", PrincipalHeader: "X-User-Id", RateLimitPerMinute: 1000},
		MenuHandler:        menu.NewHandler(logger, menuSvc, cache, mw, nil).WithAuditor(auditSvc).WithClock(func() time.Time { return bucket }),
		RBACHandler:        rbac.NewHandler(logger, rbacSvc, mw, cache).WithAuditor(auditSvc),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacSvc, mw),
		UsersHandler:       users.NewHandler(logger, usersSvc, mw),
		AuditHandler:       audithttp.NewHandler(logger, auditSvc, mw),
	})
	return &env{router: router, rbac: rbacSvc, cache: cache, logger: logger}
}

func (e *env) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// fetchMenu returns the visible ids for userID on a desktop at headquarters, plus the cache header.
func (e *env) fetchMenu(t *testing.T, userID string, at time.Time) ([]string, string) {
	t.Helper()
	path := "/api/menu?device=desktop&location=hq&at=" + strconv.FormatInt(at.UnixMilli(), 10)
	rr := e.do(t, http.MethodGet, path, userID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tree menu.Tree
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tree))
	return tree.IDs(), rr.Header().Get("X-Menu-Cache")
}

func TestMenuFollowsRoleChanges(t *testing.T) {
	e := newEnv(t)
	at := time.Now().Add(time.Hour).Truncate(time.Minute)

	ids, cached := e.fetchMenu(t, "u-finance", at)
	assert.Equal(t, []string{"dashboard", "finance", "ledger", "month-end", "help"}, ids)
	assert.Equal(t, "miss", cached)
	_, cached = e.fetchMenu(t, "u-finance", at)
	assert.Equal(t, "hit", cached)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/menu/items", "u-finance", nil).Code)

	rr := e.do(t, http.MethodPost, "/api/users/u-finance/roles", "admin", map[string]any{"roleId": "menu-editor"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	ids, cached = e.fetchMenu(t, "u-finance", at)
	assert.Equal(t, []string{"dashboard", "finance", "ledger", "month-end", "menu-admin", "help"}, ids)
	assert.Equal(t, "miss", cached)

	rr = e.do(t, http.MethodPatch, "/api/menu/items/help", "u-finance", map[string]any{"isVisible": false})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ids, cached = e.fetchMenu(t, "u-finance", at)
	assert.Equal(t, []string{"dashboard", "finance", "ledger", "month-end", "menu-admin"}, ids)
	assert.Equal(t, "miss", cached)

	rr = e.do(t, http.MethodDelete, "/api/users/u-finance/roles/menu-editor", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ids, _ = e.fetchMenu(t, "u-finance", at)
	assert.Equal(t, []string{"dashboard", "finance", "ledger", "month-end"}, ids)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPatch, "/api/menu/items/help", "u-finance", map[string]any{"isVisible": true}).Code)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/audit", "u-finance", nil).Code)
	rr = e.do(t, http.MethodGet, "/api/audit?entity=assignment", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var timeline audit.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &timeline))
	require.Len(t, timeline.Entries, 2)
	actions := []string{timeline.Entries[0].Action, timeline.Entries[1].Action}
	assert.ElementsMatch(t, []string{audit.ActionAssignmentGrant, audit.ActionAssignmentRevoke}, actions)
	assert.Equal(t, "admin", timeline.Entries[0].Actor)

	rr = e.do(t, http.MethodGet, "/api/audit?action=menu_item.update", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &timeline))
	require.Len(t, timeline.Entries, 1)
	assert.Equal(t, "u-finance", timeline.Entries[0].Actor)
	assert.Equal(t, "help", timeline.Entries[0].EntityID)
}

func TestMyPermissionsThroughHeader(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/me/permissions", "", nil).Code)

	rr := e.do(t, http.MethodGet, "/api/me/permissions", "u-warehouse", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		UserID      string   `json:"userId"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "u-warehouse", body.UserID)
	assert.ElementsMatch(t, []string{"inventory:read", "inventory:write"}, body.Permissions)

	rr = e.do(t, http.MethodPost, "/api/users/ghost/roles", "admin", map[string]any{"roleId": "finance"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExpirySweepHidesTemporaryGrant(t *testing.T) {
	e := newEnv(t)
	now := time.Now()
	at := now.Add(10 * time.Minute).Truncate(time.Minute)

	rr := e.do(t, http.MethodPost, "/api/users/u-warehouse/roles", "admin", map[string]any{
		"roleId":    "finance",
		"expiresAt": now.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	ids, _ := e.fetchMenu(t, "u-warehouse", at)
	assert.Equal(t, []string{"dashboard", "finance", "ledger", "month-end", "inventory", "help"}, ids)
	_, cached := e.fetchMenu(t, "u-warehouse", at)
	assert.Equal(t, "hit", cached)

	job := jobs.NewExpireAssignmentsJob(e.rbac, e.cache, e.logger, nil)
	expired, err := job.Run(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	ids, cached = e.fetchMenu(t, "u-warehouse", at)
	assert.Equal(t, []string{"dashboard", "inventory", "help"}, ids)
	assert.Equal(t, "miss", cached)
}

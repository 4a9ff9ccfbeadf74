package menu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/menuauthz/internal/audit"
	"github.com/odyssey-erp/menuauthz/internal/platform/httpx"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// Permission keys guarding catalog administration.
const (
	PermMenuRead  = shared.PermMenuRead
	PermMenuWrite = shared.PermMenuWrite
)

const customPrefix = "custom."

// BuildObserver records menu build outcomes.
type BuildObserver interface {
	ObserveMenuBuild(result string, visibleItems int, elapsed time.Duration)
}

// Handler serves menus and catalog administration over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	cache   *Cache
	rbac    rbac.Middleware
	metrics BuildObserver
	auditor rbac.Auditor
	now     func() time.Time
}

// NewHandler builds Handler instance. cache and metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, cache *Cache, rbacMW rbac.Middleware, metrics BuildObserver) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		cache:   cache,
		rbac:    rbacMW,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithAuditor makes catalog writes leave an audit entry.
func (h *Handler) WithAuditor(a rbac.Auditor) *Handler {
	h.auditor = a
	return h
}

// WithClock replaces the clock that buckets cached menus by minute.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// MountRoutes registers routes under /menu.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.getMenu)
	r.Route("/items", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(PermMenuRead, PermMenuWrite))
			r.Get("/", h.listItems)
			r.Get("/{itemID}", h.getItem)
			r.Post("/{itemID}/preview", h.preview)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(PermMenuWrite))
			r.Post("/", h.createItem)
			r.Patch("/{itemID}", h.updateItem)
		})
	})
}

func (h *Handler) getMenu(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	partial, err := ParseQuery(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	start := time.Now()
	tree, hit, err := h.build(r.Context(), userID, partial)
	if err != nil {
		h.observe("error", 0, start)
		h.fail(w, "build menu", err)
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	h.observe(result, tree.Len(), start)
	w.Header().Set("X-Menu-Cache", result)
	httpx.JSON(w, http.StatusOK, tree)
}

func (h *Handler) build(ctx context.Context, userID string, partial PartialContext) (Tree, bool, error) {
	if h.cache == nil {
		tree, err := h.service.BuildMenu(ctx, userID, partial)
		return tree, false, err
	}
	key, err := h.cache.BuildKey(ctx, userID, ContextFingerprint(partial, h.now()))
	if err != nil {
		h.logger.Warn("menu cache key", slog.Any("error", err))
		tree, err := h.service.BuildMenu(ctx, userID, partial)
		return tree, false, err
	}
	return h.cache.Fetch(ctx, key, func(ctx context.Context) (Tree, error) {
		return h.service.BuildMenu(ctx, userID, partial)
	})
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListMenuItems(r.Context())
	if err != nil {
		h.fail(w, "list menu items", err)
		return
	}
	if items == nil {
		items = []Item{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetMenuItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.fail(w, "get menu item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var in CreateItemInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.CreateMenuItem(r.Context(), in)
	if err != nil {
		h.fail(w, "create menu item", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionItemCreate, item.ID)
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var in UpdateItemInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.UpdateMenuItem(r.Context(), chi.URLParam(r, "itemID"), in)
	if err != nil {
		h.fail(w, "update menu item", err)
		return
	}
	h.bump(r.Context())
	h.record(r.Context(), audit.ActionItemUpdate, item.ID)
	httpx.JSON(w, http.StatusOK, item)
}

// PreviewRequest names the principal and context to evaluate an item for.
type PreviewRequest struct {
	UserID     string           `json:"userId"`
	Location   string           `json:"location"`
	Device     string           `json:"device"`
	Time       *time.Time       `json:"time"`
	CustomData map[string]Value `json:"customData"`
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	partial := PartialContext{Location: req.Location, Device: req.Device, CustomData: req.CustomData}
	if req.Time != nil {
		partial.Time = req.Time.UTC()
	}
	decision, err := h.service.Preview(r.Context(), chi.URLParam(r, "itemID"), req.UserID, partial)
	if err != nil {
		h.fail(w, "preview menu item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

// ParseQuery reads location, device, at (RFC3339 or Unix milliseconds) and
// custom.<key> parameters. Custom values are decoded as JSON when possible and
// kept as strings otherwise.
func ParseQuery(q url.Values) (PartialContext, error) {
	partial := PartialContext{
		Location: strings.TrimSpace(q.Get("location")),
		Device:   strings.TrimSpace(q.Get("device")),
	}
	if raw := strings.TrimSpace(q.Get("at")); raw != "" {
		at, err := parseInstant(raw)
		if err != nil {
			return PartialContext{}, shared.NewValidationError("at", "must be RFC3339 or Unix milliseconds")
		}
		partial.Time = at
	}
	for name, values := range q {
		key, ok := strings.CutPrefix(name, customPrefix)
		if !ok || key == "" || len(values) == 0 {
			continue
		}
		if partial.CustomData == nil {
			partial.CustomData = make(map[string]Value)
		}
		partial.CustomData[key] = parseCustom(values[0])
	}
	return partial, nil
}

func parseInstant(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

func parseCustom(raw string) Value {
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return String(raw)
}

func (h *Handler) observe(result string, visible int, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveMenuBuild(result, visible, time.Since(start))
}

func (h *Handler) bump(ctx context.Context) {
	if err := h.cache.Bump(ctx); err != nil {
		h.logger.Warn("menu cache bump", slog.Any("error", err))
	}
}

func (h *Handler) record(ctx context.Context, action, itemID string) {
	if h.auditor == nil {
		return
	}
	actor, _ := shared.PrincipalFromContext(ctx)
	if err := h.auditor.Record(ctx, audit.Entry{Actor: actor, Action: action, Entity: "menu_item", EntityID: itemID}); err != nil {
		h.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, shared.ErrConfiguration) || shared.UserSafeMessage(err) == "internal error" {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

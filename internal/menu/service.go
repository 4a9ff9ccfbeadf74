package menu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// ErrItemNotFound indicates the requested menu item does not exist.
var ErrItemNotFound = fmt.Errorf("menu: item %w", shared.ErrNotFound)

// Repository reads and writes the menu catalog.
type Repository interface {
	ListItems(ctx context.Context) ([]Item, error)
	GetItem(ctx context.Context, id string) (Item, error)
	InsertItem(ctx context.Context, item Item) (Item, error)
	ReplaceItem(ctx context.Context, item Item) (Item, error)
}

// AccessResolver resolves the effective roles and permissions of a principal.
type AccessResolver interface {
	Resolve(ctx context.Context, userID string, at time.Time) (rbac.Effective, error)
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation for new items.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// Service builds menus for principals and administers the catalog.
type Service struct {
	repo     Repository
	access   AccessResolver
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

// NewService constructs a Service.
func NewService(repo Repository, access AccessResolver, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		access:   access,
		validate: shared.NewValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildMenu resolves the principal's access, filters the catalog and returns
// the ordered tree of visible items.
func (s *Service) BuildMenu(ctx context.Context, userID string, partial PartialContext) (Tree, error) {
	rc, err := s.RequestContext(ctx, userID, partial)
	if err != nil {
		return Tree{}, err
	}
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return Tree{}, fmt.Errorf("menu: list items: %w", err)
	}
	if err := ValidateHierarchy(items); err != nil {
		return Tree{}, err
	}
	return Assemble(Filter(items, rc))
}

// RequestContext completes partial with the resolved roles and permissions of
// userID. Grants are always resolved at the server clock; partial.Time only
// sets the instant seen by time conditions and defaults to that clock.
func (s *Service) RequestContext(ctx context.Context, userID string, partial PartialContext) (RequestContext, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RequestContext{}, shared.NewValidationError("userId", "is required")
	}
	now := s.now()
	at := partial.Time
	if at.IsZero() {
		at = now
	}
	eff, err := s.access.Resolve(ctx, userID, now)
	if err != nil {
		return RequestContext{}, err
	}
	return NewRequestContext(userID, eff, partial, at), nil
}

// NewRequestContext combines resolved access with the caller-supplied context.
func NewRequestContext(userID string, eff rbac.Effective, partial PartialContext, at time.Time) RequestContext {
	return RequestContext{
		UserID:          userID,
		UserRoles:       eff.RoleIDs,
		UserPermissions: eff.PermissionIDs(),
		Location:        strings.TrimSpace(partial.Location),
		Device:          strings.TrimSpace(partial.Device),
		Time:            at,
		CustomData:      partial.CustomData,
	}
}

// Preview explains whether one item would be shown to userID.
func (s *Service) Preview(ctx context.Context, itemID, userID string, partial PartialContext) (Decision, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return Decision{}, err
	}
	rc, err := s.RequestContext(ctx, userID, partial)
	if err != nil {
		return Decision{}, err
	}
	return Decide(item, rc), nil
}

// ListMenuItems returns the full catalog.
func (s *Service) ListMenuItems(ctx context.Context) ([]Item, error) {
	return s.repo.ListItems(ctx)
}

// GetMenuItem fetches an item by id.
func (s *Service) GetMenuItem(ctx context.Context, id string) (Item, error) {
	return s.repo.GetItem(ctx, strings.TrimSpace(id))
}

// CreateMenuItem validates and inserts a catalog entry.
func (s *Service) CreateMenuItem(ctx context.Context, in CreateItemInput) (Item, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Label = strings.TrimSpace(in.Label)
	in.ParentID = strings.TrimSpace(in.ParentID)
	in.URL = strings.TrimSpace(in.URL)
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Item{}, err
	}
	if in.ID == "" {
		in.ID = s.newID()
	}
	now := s.now()
	item := Item{
		ID:          in.ID,
		Label:       in.Label,
		Type:        ItemType(in.Type),
		Path:        strings.TrimSpace(in.Path),
		URL:         in.URL,
		Icon:        strings.TrimSpace(in.Icon),
		Order:       in.Order,
		IsVisible:   boolOr(in.IsVisible, true),
		IsEnabled:   boolOr(in.IsEnabled, true),
		ParentID:    in.ParentID,
		Permissions: trimAll(in.Permissions),
		Roles:       trimAll(in.Roles),
		Conditions:  toConditions(in.Conditions),
		Metadata:    copyMetadata(in.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := checkItem(item); err != nil {
		return Item{}, err
	}

	catalog, err := s.repo.ListItems(ctx)
	if err != nil {
		return Item{}, fmt.Errorf("menu: list items: %w", err)
	}
	for _, existing := range catalog {
		if existing.ID == item.ID {
			return Item{}, fmt.Errorf("menu: item id %q: %w", item.ID, shared.ErrDuplicate)
		}
	}
	if err := checkPlacement(item, append(catalog, item)); err != nil {
		return Item{}, err
	}
	return s.repo.InsertItem(ctx, item)
}

// UpdateMenuItem applies a partial update. A parent change that would create a
// cycle is rejected.
func (s *Service) UpdateMenuItem(ctx context.Context, id string, in UpdateItemInput) (Item, error) {
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Item{}, err
	}
	current, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return Item{}, err
	}

	next := current
	next.Permissions = append([]string(nil), current.Permissions...)
	next.Roles = append([]string(nil), current.Roles...)
	next.Conditions = append([]Condition(nil), current.Conditions...)
	next.Metadata = copyMetadata(current.Metadata)
	if in.Label != nil {
		next.Label = strings.TrimSpace(*in.Label)
	}
	if in.Type != nil {
		next.Type = ItemType(*in.Type)
	}
	if in.Path != nil {
		next.Path = strings.TrimSpace(*in.Path)
	}
	if in.URL != nil {
		next.URL = strings.TrimSpace(*in.URL)
	}
	if in.Icon != nil {
		next.Icon = strings.TrimSpace(*in.Icon)
	}
	if in.Order != nil {
		next.Order = *in.Order
	}
	if in.IsVisible != nil {
		next.IsVisible = *in.IsVisible
	}
	if in.IsEnabled != nil {
		next.IsEnabled = *in.IsEnabled
	}
	if in.ParentID != nil {
		next.ParentID = strings.TrimSpace(*in.ParentID)
	}
	if in.Permissions != nil {
		next.Permissions = trimAll(in.Permissions)
	}
	if in.Roles != nil {
		next.Roles = trimAll(in.Roles)
	}
	if in.Conditions != nil {
		next.Conditions = toConditions(in.Conditions)
	}
	if in.Metadata != nil {
		next.Metadata = copyMetadata(in.Metadata)
	}
	if err := checkItem(next); err != nil {
		return Item{}, err
	}

	if next.ParentID != current.ParentID {
		catalog, err := s.repo.ListItems(ctx)
		if err != nil {
			return Item{}, fmt.Errorf("menu: list items: %w", err)
		}
		for i := range catalog {
			if catalog[i].ID == next.ID {
				catalog[i] = next
			}
		}
		if err := checkPlacement(next, catalog); err != nil {
			return Item{}, err
		}
	}
	next.UpdatedAt = s.now()
	return s.repo.ReplaceItem(ctx, next)
}

func checkItem(item Item) error {
	if item.Label == "" {
		return shared.NewValidationError("label", "is required")
	}
	if item.Type == TypeExternal && item.URL == "" {
		return shared.NewValidationError("url", "is required")
	}
	if item.ParentID != "" && item.ParentID == item.ID {
		return shared.NewValidationError("parentId", "must differ from the item id")
	}
	return nil
}

// checkPlacement requires an existing parent and an acyclic catalog after the change.
func checkPlacement(item Item, catalog []Item) error {
	if item.ParentID == "" {
		return nil
	}
	found := false
	for _, c := range catalog {
		if c.ID == item.ParentID {
			found = true
			break
		}
	}
	if !found {
		return shared.NewValidationError("parentId", "parent item does not exist")
	}
	if err := ValidateHierarchy(catalog); err != nil {
		if errors.Is(err, ErrCycle) {
			return shared.NewValidationError("parentId", err.Error())
		}
		return err
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// WindowParams is the storage query behind Timeline and Export. Limit <= 0
// means no limit.
type WindowParams struct {
	From   time.Time
	To     time.Time
	Actor  string
	Entity string
	Action string
	Offset int
	Limit  int
}

// Repository stores and queries audit entries, newest first.
type Repository interface {
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, params WindowParams) ([]Entry, error)
}

// Service records administrative changes and serves the timeline.
type Service struct {
	repo  Repository
	now   func() time.Time
	newID func() string
}

// NewService builds an audit service.
func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// Record stores entry, stamping its id and time when unset.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return fmt.Errorf("audit: action is required")
	}
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	return s.repo.InsertEntry(ctx, entry)
}

// Timeline returns one page of entries matching filters.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params := windowParams(filters)
	params.Offset = (page - 1) * pageSize
	params.Limit = pageSize + 1
	entries, err := s.repo.ListEntries(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	if entries == nil {
		entries = []Entry{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: entries, Paging: paging}, nil
}

// Export returns every entry matching filters without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.ListEntries(ctx, windowParams(filters))
}

func windowParams(filters TimelineFilters) WindowParams {
	return WindowParams{
		From:   filters.From,
		To:     filters.To,
		Actor:  strings.TrimSpace(filters.Actor),
		Entity: strings.TrimSpace(filters.Entity),
		Action: strings.TrimSpace(filters.Action),
	}
}

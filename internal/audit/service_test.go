package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	entries    []Entry
	inserted   []Entry
	lastParams WindowParams
}

func (s *stubRepo) InsertEntry(ctx context.Context, entry Entry) error {
	s.inserted = append(s.inserted, entry)
	return nil
}

func (s *stubRepo) ListEntries(ctx context.Context, params WindowParams) ([]Entry, error) {
	s.lastParams = params
	out := s.entries
	if params.Offset < len(out) {
		out = out[params.Offset:]
	} else {
		out = nil
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func entries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{ID: string(rune('a' + i)), Action: ActionRoleUpdate}
	}
	return out
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubRepo{entries: entries(3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Actor: " admin ", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.Equal(t, PagingInfo{Page: 1, PageSize: 2, HasNext: true, NextPage: 2}, result.Paging)
	assert.Equal(t, 3, repo.lastParams.Limit)
	assert.Equal(t, 0, repo.lastParams.Offset)
	assert.Equal(t, "admin", repo.lastParams.Actor)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
	assert.Equal(t, PagingInfo{Page: 2, PageSize: 2, PrevPage: 1}, result.Paging)
}

func TestTimelineClampsPageSize(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize+1, repo.lastParams.Limit)
	assert.NotNil(t, result.Entries)

	_, err = svc.Timeline(context.Background(), TimelineFilters{Page: -3})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize+1, repo.lastParams.Limit)
}

func TestRecordStampsEntry(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	svc.newID = func() string { return "e1" }

	require.NoError(t, svc.Record(context.Background(), Entry{Actor: "admin", Action: ActionAssignmentGrant, Entity: "assignment"}))
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, "e1", repo.inserted[0].ID)
	assert.Equal(t, fixed, repo.inserted[0].At)

	assert.Error(t, svc.Record(context.Background(), Entry{Action: "  "}))

	var nilSvc *Service
	assert.Error(t, nilSvc.Record(context.Background(), Entry{Action: ActionRoleCreate}))
}

func TestExportIgnoresPaging(t *testing.T) {
	repo := &stubRepo{entries: entries(4)}
	out, err := NewService(repo).Export(context.Background(), TimelineFilters{Page: 2, PageSize: 1})
	require.NoError(t, err)
	assert.Len(t, out, 4)
	assert.Zero(t, repo.lastParams.Limit)
}

func TestWriteCSV(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := WriteCSV([]Entry{{
		At: at, Actor: "admin", Action: ActionAssignmentGrant, Entity: "assignment", EntityID: "a1",
		Detail: map[string]string{"roleId": "finance", "userId": "u-finance"},
	}})
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"2024-06-01T12:00:00Z", "admin", "assignment.grant", "assignment", "a1", "roleId=finance;userId=u-finance"}, records[1])
}

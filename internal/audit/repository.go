package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, at, actor, action, entity, entity_id, detail`

// PGRepository stores audit entries in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertEntry appends one entry.
func (r *PGRepository) InsertEntry(ctx context.Context, entry Entry) error {
	detail, err := json.Marshal(nonNilDetail(entry.Detail))
	if err != nil {
		return fmt.Errorf("audit: encode detail: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		entry.ID, entry.At, entry.Actor, entry.Action, entry.Entity, entry.EntityID, detail)
	return err
}

// ListEntries returns matching entries newest first.
func (r *PGRepository) ListEntries(ctx context.Context, params WindowParams) ([]Entry, error) {
	limit := pgtype.Int4{}
	if params.Limit > 0 {
		limit = pgtype.Int4{Int32: int32(params.Limit), Valid: true}
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM audit_log
		WHERE ($1::timestamptz IS NULL OR at >= $1)
		  AND ($2::timestamptz IS NULL OR at <= $2)
		  AND ($3::text IS NULL OR actor = $3)
		  AND ($4::text IS NULL OR entity = $4)
		  AND ($5::text IS NULL OR action = $5)
		ORDER BY at DESC, id
		OFFSET $6 LIMIT $7`,
		toPgTime(params.From), toPgTime(params.To),
		optionalText(params.Actor), optionalText(params.Entity), optionalText(params.Action),
		params.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			at     pgtype.Timestamptz
			detail []byte
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.Entity, &e.EntityID, &detail); err != nil {
			return nil, err
		}
		if at.Valid {
			e.At = at.Time
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func nonNilDetail(detail map[string]string) map[string]string {
	if detail == nil {
		return map[string]string{}
	}
	return detail
}

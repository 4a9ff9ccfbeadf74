package menu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/menuauthz/internal/platform/db"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

const itemColumns = `id, label, type, path, url, icon, sort_order, is_visible, is_enabled, parent_id,
	permissions, roles, conditions, metadata, created_at, updated_at`

// PGRepository provides PostgreSQL backed persistence for the catalog.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ListItems returns the whole catalog.
func (r *PGRepository) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM menu_items ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// GetItem fetches one item.
func (r *PGRepository) GetItem(ctx context.Context, id string) (Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM menu_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, err
}

// InsertItem persists a new item.
func (r *PGRepository) InsertItem(ctx context.Context, item Item) (Item, error) {
	conds, meta, err := encodeItemJSON(item)
	if err != nil {
		return Item{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO menu_items (id, label, type, path, url, icon, sort_order, is_visible, is_enabled, parent_id,
			permissions, roles, conditions, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13::jsonb, $14::jsonb, $15, $16)
		RETURNING `+itemColumns,
		item.ID, item.Label, string(item.Type), item.Path, item.URL, item.Icon, item.Order, item.IsVisible,
		item.IsEnabled, item.ParentID, nonNil(item.Permissions), nonNil(item.Roles), conds, meta,
		item.CreatedAt, item.UpdatedAt)
	saved, err := scanItem(row)
	if db.IsUniqueViolation(err) {
		return Item{}, fmt.Errorf("menu: insert item %s: %w", item.ID, shared.ErrDuplicate)
	}
	return saved, err
}

// ReplaceItem swaps the stored row for item inside a transaction.
func (r *PGRepository) ReplaceItem(ctx context.Context, item Item) (Item, error) {
	conds, meta, err := encodeItemJSON(item)
	if err != nil {
		return Item{}, err
	}
	var saved Item
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM menu_items WHERE id = $1 FOR UPDATE`, item.ID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, item.ID)
			}
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE menu_items
			SET label = $2, type = $3, path = $4, url = $5, icon = $6, sort_order = $7, is_visible = $8,
			    is_enabled = $9, parent_id = NULLIF($10, ''), permissions = $11, roles = $12,
			    conditions = $13::jsonb, metadata = $14::jsonb, updated_at = $15
			WHERE id = $1
			RETURNING `+itemColumns,
			item.ID, item.Label, string(item.Type), item.Path, item.URL, item.Icon, item.Order, item.IsVisible,
			item.IsEnabled, item.ParentID, nonNil(item.Permissions), nonNil(item.Roles), conds, meta, item.UpdatedAt)
		var scanErr error
		saved, scanErr = scanItem(row)
		return scanErr
	})
	return saved, err
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		item      Item
		itemType  string
		parentRaw *string
		condsRaw  []byte
		metaRaw   []byte
	)
	if err := row.Scan(&item.ID, &item.Label, &itemType, &item.Path, &item.URL, &item.Icon, &item.Order,
		&item.IsVisible, &item.IsEnabled, &parentRaw, &item.Permissions, &item.Roles, &condsRaw, &metaRaw,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return Item{}, err
	}
	item.Type = ItemType(itemType)
	if parentRaw != nil {
		item.ParentID = *parentRaw
	}
	if len(condsRaw) > 0 {
		if err := json.Unmarshal(condsRaw, &item.Conditions); err != nil {
			return Item{}, fmt.Errorf("menu: decode conditions of %s: %w", item.ID, err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &item.Metadata); err != nil {
			return Item{}, fmt.Errorf("menu: decode metadata of %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func encodeItemJSON(item Item) (string, string, error) {
	conds := item.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	condsRaw, err := json.Marshal(conds)
	if err != nil {
		return "", "", fmt.Errorf("menu: encode conditions: %w", err)
	}
	meta := item.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("menu: encode metadata: %w", err)
	}
	return string(condsRaw), string(metaRaw), nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

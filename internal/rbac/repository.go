package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/menuauthz/internal/platform/db"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

const roleColumns = `id, name, display_name, level, permissions, is_active, is_system, parent_role_id, metadata, created_at, updated_at`

const assignmentColumns = `id, user_id, role_id, is_active, assigned_at, assigned_by, expires_at, revoked_at`

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetRole fetches a role by id.
func (r *PGRepository) GetRole(ctx context.Context, id string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return role, err
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, err
}

// ListRoles returns all roles ordered by level then name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level, name`)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

// RolesByIDs returns the roles matching ids. Unknown ids are ignored.
func (r *PGRepository) RolesByIDs(ctx context.Context, ids []string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

// InsertRole persists a new role.
func (r *PGRepository) InsertRole(ctx context.Context, role Role) (Role, error) {
	perms, meta, err := encodeRoleJSON(role)
	if err != nil {
		return Role{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (id, name, display_name, level, permissions, is_active, is_system, parent_role_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, NULLIF($8, ''), $9::jsonb, $10, $11)
		RETURNING `+roleColumns,
		role.ID, role.Name, role.DisplayName, role.Level, perms, role.IsActive, role.IsSystem,
		role.ParentRoleID, meta, role.CreatedAt, role.UpdatedAt)
	saved, err := scanRole(row)
	if db.IsUniqueViolation(err) {
		return Role{}, fmt.Errorf("rbac: insert role %s: %w", role.ID, shared.ErrDuplicate)
	}
	return saved, err
}

// ReplaceRole swaps the stored row for the given value inside a transaction.
func (r *PGRepository) ReplaceRole(ctx context.Context, role Role) (Role, error) {
	perms, meta, err := encodeRoleJSON(role)
	if err != nil {
		return Role{}, err
	}
	var saved Role
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, role.ID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrRoleNotFound, role.ID)
			}
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE roles
			SET name = $2, display_name = $3, level = $4, permissions = $5::jsonb, is_active = $6,
			    is_system = $7, parent_role_id = NULLIF($8, ''), metadata = $9::jsonb, updated_at = $10
			WHERE id = $1
			RETURNING `+roleColumns,
			role.ID, role.Name, role.DisplayName, role.Level, perms, role.IsActive, role.IsSystem,
			role.ParentRoleID, meta, role.UpdatedAt)
		var scanErr error
		saved, scanErr = scanRole(row)
		return scanErr
	})
	if db.IsUniqueViolation(err) {
		return Role{}, fmt.Errorf("rbac: update role %s: %w", role.ID, shared.ErrDuplicate)
	}
	return saved, err
}

// ActiveAssignments returns assignments of userID that are active and unexpired at `at`.
func (r *PGRepository) ActiveAssignments(ctx context.Context, userID string, at time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_role_assignments
		WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY assigned_at, id`, userID, at)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ListAssignments returns the full history for userID.
func (r *PGRepository) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_role_assignments
		WHERE user_id = $1
		ORDER BY assigned_at, id`, userID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// InsertAssignment persists a new assignment.
func (r *PGRepository) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO user_role_assignments (id, user_id, role_id, is_active, assigned_at, assigned_by, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+assignmentColumns,
		a.ID, a.UserID, a.RoleID, a.IsActive, a.AssignedAt, a.AssignedBy, a.ExpiresAt, a.RevokedAt)
	saved, err := scanAssignment(row)
	if db.IsUniqueViolation(err) {
		return Assignment{}, fmt.Errorf("rbac: insert assignment %s: %w", a.ID, shared.ErrDuplicate)
	}
	return saved, err
}

// ReplaceAssignment overwrites the mutable fields of an assignment.
func (r *PGRepository) ReplaceAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE user_role_assignments
		SET is_active = $2, expires_at = $3, revoked_at = $4
		WHERE id = $1
		RETURNING `+assignmentColumns,
		a.ID, a.IsActive, a.ExpiresAt, a.RevokedAt)
	saved, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, a.ID)
	}
	return saved, err
}

// ExpireAssignments flips is_active on lapsed assignments and reports how many changed.
func (r *PGRepository) ExpireAssignments(ctx context.Context, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_role_assignments
		SET is_active = FALSE, revoked_at = expires_at
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role      Role
		permsRaw  []byte
		metaRaw   []byte
		parentRaw *string
	)
	if err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Level, &permsRaw, &role.IsActive,
		&role.IsSystem, &parentRaw, &metaRaw, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	if parentRaw != nil {
		role.ParentRoleID = *parentRaw
	}
	if len(permsRaw) > 0 {
		if err := json.Unmarshal(permsRaw, &role.Permissions); err != nil {
			return Role{}, fmt.Errorf("rbac: decode permissions of %s: %w", role.ID, err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &role.Metadata); err != nil {
			return Role{}, fmt.Errorf("rbac: decode metadata of %s: %w", role.ID, err)
		}
	}
	if role.Permissions == nil {
		role.Permissions = []Permission{}
	}
	return role, nil
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.RevokedAt); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeRoleJSON(role Role) (string, string, error) {
	perms := role.Permissions
	if perms == nil {
		perms = []Permission{}
	}
	permsRaw, err := json.Marshal(perms)
	if err != nil {
		return "", "", fmt.Errorf("rbac: encode permissions: %w", err)
	}
	meta := role.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("rbac: encode metadata: %w", err)
	}
	return string(permsRaw), string(metaRaw), nil
}

package perms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQL statements for permission records.
const (
	sqlUpsertUser = `INSERT INTO users (id, login, role, access_disabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 login = excluded.login,
		 role = excluded.role,
		 access_disabled = excluded.access_disabled`

	sqlGetUser = `SELECT id, login, role, access_disabled FROM users WHERE id = ?`

	sqlUpsertOverride = `INSERT INTO permission_overrides (user_id, perm_code, allowed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, perm_code) DO UPDATE SET
		 allowed = excluded.allowed,
		 updated_at = excluded.updated_at`

	sqlDeleteOverride = `DELETE FROM permission_overrides WHERE user_id = ? AND perm_code = ?`

	sqlListOverrides = `SELECT user_id, perm_code, allowed, updated_at
		FROM permission_overrides WHERE user_id = ? ORDER BY updated_at`

	sqlInsertDelegation = `INSERT INTO permission_delegations
		(id, from_user_id, to_user_id, perm_code, starts_at, ends_at, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlDelegationCols = `SELECT id, from_user_id, to_user_id, perm_code, starts_at, ends_at,
		note, created_at, revoked_at, revoked_by_user_id, revoke_note
		FROM permission_delegations `

	sqlRevokeDelegation = `UPDATE permission_delegations
		SET revoked_at = ?, revoked_by_user_id = ?, revoke_note = ?
		WHERE id = ? AND revoked_at IS NULL`
)

// Store persists users, overrides and delegations in the server database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already-migrated server database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertUser creates or replaces a user record.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" || u.Login == "" {
		return fmt.Errorf("perms: upsert user: %w: id and login are required", ErrInvalid)
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertUser, u.ID, u.Login, u.Role, boolToInt(u.AccessDisabled)); err != nil {
		return fmt.Errorf("perms: upsert user %s: %w", u.ID, err)
	}

	return nil
}

// GetUser returns the user with id, or nil when it does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u        User
		disabled int
	)

	err := s.db.QueryRowContext(ctx, sqlGetUser, id).Scan(&u.ID, &u.Login, &u.Role, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil user = missing account
	}

	if err != nil {
		return nil, fmt.Errorf("perms: get user %s: %w", id, err)
	}

	u.AccessDisabled = disabled != 0

	return &u, nil
}

// SetOverride stores an explicit allow/deny for one code.
func (s *Store) SetOverride(ctx context.Context, o Override) error {
	if !IsKnown(o.Code) {
		return fmt.Errorf("perms: set override: %w: %q", ErrUnknownCode, o.Code)
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertOverride, o.UserID, string(o.Code), boolToInt(o.Allowed), o.UpdatedAt); err != nil {
		return fmt.Errorf("perms: set override %s/%s: %w", o.UserID, o.Code, err)
	}

	return nil
}

// ClearOverride removes an override so the role default applies again.
func (s *Store) ClearOverride(ctx context.Context, userID string, code Code) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteOverride, userID, string(code)); err != nil {
		return fmt.Errorf("perms: clear override %s/%s: %w", userID, code, err)
	}

	return nil
}

// ListOverrides returns the user's overrides, oldest first.
func (s *Store) ListOverrides(ctx context.Context, userID string) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, sqlListOverrides, userID)
	if err != nil {
		return nil, fmt.Errorf("perms: list overrides %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Override

	for rows.Next() {
		var (
			o       Override
			code    string
			allowed int
		)

		if err := rows.Scan(&o.UserID, &code, &allowed, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("perms: scanning override: %w", err)
		}

		o.Code = Code(code)
		o.Allowed = allowed != 0
		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perms: iterating overrides: %w", err)
	}

	return out, nil
}

// InsertDelegation stores a new delegation. Validation is the caller's job
// (see Resolver.Grant).
func (s *Store) InsertDelegation(ctx context.Context, d *Delegation) error {
	_, err := s.db.ExecContext(ctx, sqlInsertDelegation,
		d.ID, d.FromUserID, d.ToUserID, string(d.Code), d.StartsAt, d.EndsAt, d.Note, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("perms: insert delegation %s: %w", d.ID, err)
	}

	return nil
}

// GetDelegation returns one delegation or ErrNotFound.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	list, err := s.queryDelegations(ctx, `WHERE id = ?`, "get delegation", id)
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("perms: delegation %s: %w", id, ErrNotFound)
	}

	return &list[0], nil
}

// ListDelegationsTo returns delegations targeting userID that have not yet
// ended or been revoked at nowMs. The resolver re-checks activity, so this
// filter only bounds the read.
func (s *Store) ListDelegationsTo(ctx context.Context, userID string, nowMs int64) ([]Delegation, error) {
	return s.queryDelegations(ctx,
		`WHERE to_user_id = ? AND revoked_at IS NULL AND ends_at > ?`,
		"list delegations to", userID, nowMs)
}

// ListDelegationsInvolving returns every delegation granted by or to userID,
// including ended and revoked ones.
func (s *Store) ListDelegationsInvolving(ctx context.Context, userID string) ([]Delegation, error) {
	return s.queryDelegations(ctx,
		`WHERE from_user_id = ? OR to_user_id = ?`,
		"list delegations involving", userID, userID)
}

// RevokeDelegation marks a delegation revoked. A delegation already revoked
// (or missing) yields ErrNotFound.
func (s *Store) RevokeDelegation(ctx context.Context, id, byUserID, note string, nowMs int64) error {
	result, err := s.db.ExecContext(ctx, sqlRevokeDelegation, nowMs, byUserID, note, id)
	if err != nil {
		return fmt.Errorf("perms: revoke delegation %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("perms: revoke delegation %s rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("perms: revoke delegation %s: %w (missing or already revoked)", id, ErrNotFound)
	}

	return nil
}

// queryDelegations runs a delegation SELECT with a compile-time constant
// where clause.
func (s *Store) queryDelegations(ctx context.Context, whereClause, desc string, args ...any) ([]Delegation, error) {
	query := sqlDelegationCols + whereClause + ` ORDER BY starts_at, id` //nolint:gosec // whereClause is always a compile-time constant

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("perms: %s: %w", desc, err)
	}
	defer rows.Close()

	var out []Delegation

	for rows.Next() {
		var (
			d          Delegation
			code       string
			revokedAt  sql.NullInt64
			revokedBy  sql.NullString
			revokeNote sql.NullString
		)

		err := rows.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &code, &d.StartsAt, &d.EndsAt,
			&d.Note, &d.CreatedAt, &revokedAt, &revokedBy, &revokeNote)
		if err != nil {
			return nil, fmt.Errorf("perms: scanning delegation: %w", err)
		}

		d.Code = Code(code)
		d.RevokedByUserID = revokedBy.String
		d.RevokeNote = revokeNote.String

		if revokedAt.Valid {
			v := revokedAt.Int64
			d.RevokedAt = &v
		}

		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perms: iterating %s: %w", desc, err)
	}

	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

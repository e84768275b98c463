package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
)

type roleStore struct{ db *sql.DB }

func (s roleStore) Create(ctx context.Context, role *auth.Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, description, created_at) values ($1,$2,$3,$4)`,
		role.ID, role.Name, nullIfEmpty(role.Description), role.CreatedAt.UTC(),
	)
	return translate(err)
}

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	var (
		role auth.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where id=$1`, id,
	).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	role.Description = desc.String
	return &role, nil
}

func (s roleStore) List(ctx context.Context) ([]auth.Role, error) {
	return queryRoles(ctx, s.db, `select id, name, description, created_at from roles order by name asc`)
}

func (s roleStore) Assign(ctx context.Context, ur auth.UserRole) error {
	if ur.CreatedAt.IsZero() {
		ur.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(account_id, role_id, created_at) values ($1,$2,$3)`,
		ur.AccountID, ur.RoleID, ur.CreatedAt.UTC(),
	)
	return translate(err)
}

func (s roleStore) Unassign(ctx context.Context, accountID, roleID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from user_roles where account_id=$1 and role_id=$2`, accountID, roleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s roleStore) RolesForAccount(ctx context.Context, accountID string) ([]auth.Role, error) {
	return queryRoles(ctx, s.db, `
		select r.id, r.name, r.description, r.created_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.account_id = $1
		order by r.name asc
	`, accountID)
}

func queryRoles(ctx context.Context, db *sql.DB, query string, args ...any) ([]auth.Role, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []auth.Role
	for rows.Next() {
		var (
			role auth.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		res = append(res, role)
	}
	return res, rows.Err()
}

type permissionStore struct{ db *sql.DB }

func (s permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions(id, key, description) values ($1,$2,$3)
			on conflict (key) do nothing
		`, id, p.Key, nullIfEmpty(p.Description)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select id, key, description, created_at from permissions order by key asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []auth.Permission
	for rows.Next() {
		var (
			p    auth.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Key, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetForRole replaces the role's permission set. Unknown keys abort the
// whole replacement.
func (s permissionStore) SetForRole(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id=$1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where key=$1`, key).Scan(&permID)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id) values ($1,$2)`, roleID, permID); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}

func (s permissionStore) KeysForAccount(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.account_id = $1
		order by p.key asc
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

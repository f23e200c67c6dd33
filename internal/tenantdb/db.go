package tenantdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/pressly/goose/v3"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DB is an open handle on one tenant database, valid for the duration of a
// Provider.Run callback.
type DB struct {
	name    string
	conn    *sql.DB
	dialect Dialect
}

// Name returns the tenancy database name.
func (d *DB) Name() string { return d.name }

// Conn exposes the underlying pool for diagnostics and tests.
func (d *DB) Conn() *sql.DB { return d.conn }

// Migrate applies the embedded baseline schema.
func (d *DB) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		return err
	}
	dialect := goose.DialectSQLite3
	if d.dialect == DialectPostgres {
		dialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(dialect, d.conn, fsys)
	if err != nil {
		return fmt.Errorf("tenantdb: schema provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("tenantdb: migrate %s: %w", d.name, err)
	}
	return nil
}

// InTx runs fn inside one tenant-database transaction. Any error rolls back.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx, dialect: d.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Permissions lists the tenant-local permission table ordered by id.
func (d *DB) Permissions(ctx context.Context) (permission.List, error) {
	var out permission.List
	err := d.InTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Permissions(ctx)
		return err
	})
	return out, err
}

// RoleGrants returns the permission ids granted to role.
func (d *DB) RoleGrants(ctx context.Context, role RoleID) (permission.IDSet, error) {
	var out permission.IDSet
	err := d.InTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.RoleGrants(ctx, role)
		return err
	})
	return out, err
}

// Settings returns the tenant-local general settings.
func (d *DB) Settings(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := d.InTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Settings(ctx)
		return err
	})
	return out, err
}

// Tx is a tenant-database transaction.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// Permissions lists the permission table ordered by id.
func (t *Tx) Permissions(ctx context.Context) (permission.List, error) {
	rows, err := t.query(ctx, `SELECT id, name, guard_name FROM permissions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := permission.List{}
	for rows.Next() {
		var p permission.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.GuardName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RoleGrants returns the permission ids linked to role.
func (t *Tx) RoleGrants(ctx context.Context, role RoleID) (permission.IDSet, error) {
	rows, err := t.query(ctx, `SELECT permission_id FROM role_has_permissions WHERE role_id = ?`, int64(role))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := permission.NewIDSet()
	for rows.Next() {
		var id permission.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// DeletePermissionsNotIn removes every permission row whose id is not in keep,
// together with its role links, and returns the removed ids. It works from the
// table's actual contents so rows left by earlier partial failures are removed too.
func (t *Tx) DeletePermissionsNotIn(ctx context.Context, keep permission.IDSet) (permission.IDSet, error) {
	current, err := t.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	stale := current.IDs().Difference(keep)
	if stale.Len() == 0 {
		return stale, nil
	}

	args := make([]any, 0, stale.Len())
	for _, id := range stale.Int64s() {
		args = append(args, id)
	}
	in := placeholders(len(args))
	if _, err := t.exec(ctx, `DELETE FROM role_has_permissions WHERE permission_id IN (`+in+`)`, args...); err != nil {
		return nil, err
	}
	if _, err := t.exec(ctx, `DELETE FROM permissions WHERE id IN (`+in+`)`, args...); err != nil {
		return nil, err
	}
	return stale, nil
}

// InsertPermissions inserts the rows whose id is not already present and
// returns the ids actually inserted.
func (t *Tx) InsertPermissions(ctx context.Context, perms permission.List) (permission.IDSet, error) {
	inserted := permission.NewIDSet()
	if len(perms) == 0 {
		return inserted, nil
	}
	current, err := t.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	present := current.IDs()
	now := time.Now().UTC()
	for _, p := range perms.Dedupe() {
		if present.Contains(p.ID) {
			continue
		}
		if _, err := t.exec(ctx,
			`INSERT INTO permissions (id, name, guard_name, created_at) VALUES (?, ?, ?, ?)`,
			int64(p.ID), p.Name, p.Guard(), now,
		); err != nil {
			return nil, fmt.Errorf("insert permission %d: %w", p.ID, err)
		}
		inserted[p.ID] = struct{}{}
	}
	return inserted, nil
}

// SetRoleGrants replaces role's permission links with exactly ids.
func (t *Tx) SetRoleGrants(ctx context.Context, role RoleID, ids permission.IDSet) error {
	var exists int
	err := t.tx.QueryRowContext(ctx, t.dialect.Rebind(`SELECT COUNT(*) FROM roles WHERE id = ?`), int64(role)).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRoleNotFound
	}

	if _, err := t.exec(ctx, `DELETE FROM role_has_permissions WHERE role_id = ?`, int64(role)); err != nil {
		return err
	}
	for _, id := range ids.Int64s() {
		if _, err := t.exec(ctx,
			`INSERT INTO role_has_permissions (permission_id, role_id) VALUES (?, ?)`, id, int64(role),
		); err != nil {
			return fmt.Errorf("grant permission %d: %w", id, err)
		}
	}
	return nil
}

// Snapshot captures the permission table and every role's grants.
type Snapshot struct {
	Permissions permission.List
	Links       map[RoleID]permission.IDSet
}

// Snapshot reads the state Restore puts back.
func (t *Tx) Snapshot(ctx context.Context) (*Snapshot, error) {
	perms, err := t.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := t.query(ctx, `SELECT role_id, permission_id FROM role_has_permissions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	links := make(map[RoleID]permission.IDSet)
	for rows.Next() {
		var role RoleID
		var id permission.ID
		if err := rows.Scan(&role, &id); err != nil {
			return nil, err
		}
		if links[role] == nil {
			links[role] = permission.NewIDSet()
		}
		links[role][id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Snapshot{Permissions: perms, Links: links}, nil
}

// Restore makes the permission table and all role grants equal the snapshot
// again. Links of roles created after the snapshot are dropped.
func (t *Tx) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("tenantdb: nil snapshot")
	}
	if _, err := t.DeletePermissionsNotIn(ctx, snap.Permissions.IDs()); err != nil {
		return err
	}
	if _, err := t.InsertPermissions(ctx, snap.Permissions); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM role_has_permissions`); err != nil {
		return err
	}
	for role, ids := range snap.Links {
		for _, id := range ids.Int64s() {
			if _, err := t.exec(ctx,
				`INSERT INTO role_has_permissions (permission_id, role_id) VALUES (?, ?)`, id, int64(role),
			); err != nil {
				return fmt.Errorf("restore grant %d to role %d: %w", id, role, err)
			}
		}
	}
	return nil
}

// Settings returns all general settings.
func (t *Tx) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := t.query(ctx, `SELECT name, value FROM general_settings`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutSettings upserts the given settings.
func (t *Tx) PutSettings(ctx context.Context, values map[string]string) error {
	now := time.Now().UTC()
	for k, v := range values {
		if _, err := t.exec(ctx, `
			INSERT INTO general_settings (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("put setting %s: %w", k, err)
		}
	}
	return nil
}

// ReplaceSettings makes the settings table equal values exactly.
func (t *Tx) ReplaceSettings(ctx context.Context, values map[string]string) error {
	if _, err := t.exec(ctx, `DELETE FROM general_settings`); err != nil {
		return err
	}
	return t.PutSettings(ctx, values)
}

// Owner is the tenant's first user, mirrored from the landlord customer.
type Owner struct {
	ID           string
	Name         string
	Email        string
	Username     string
	PasswordHash string
}

// SeedOwner inserts the owner user and assigns it the owner role.
func (t *Tx) SeedOwner(ctx context.Context, o Owner) error {
	if _, err := t.exec(ctx, `
		INSERT INTO users (id, name, email, username, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Email, o.Username, o.PasswordHash, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	_, err := t.exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, o.ID, int64(OwnerRole))
	return err
}

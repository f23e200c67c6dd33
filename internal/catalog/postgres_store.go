package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists packages in the landlord PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed package store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const packageColumns = `id, name, permissions, monthly_fee, yearly_fee, is_free_trial,
	max_employees, max_users, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pkg *Package) error {
	permsJSON, err := json.Marshal(pkg.Permissions)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO packages (name, permissions, monthly_fee, yearly_fee, is_free_trial,
			max_employees, max_users, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		pkg.Name, permsJSON, pkg.MonthlyFee, pkg.YearlyFee, pkg.IsFreeTrial,
		pkg.MaxEmployees, pkg.MaxUsers, pkg.CreatedAt, pkg.UpdatedAt,
	).Scan(&pkg.ID)
	return mapPQError(err)
}

func (p *PostgresStore) Update(ctx context.Context, pkg *Package) error {
	permsJSON, err := json.Marshal(pkg.Permissions)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE packages SET name = $1, permissions = $2, monthly_fee = $3, yearly_fee = $4,
			is_free_trial = $5, max_employees = $6, max_users = $7, updated_at = $8
		WHERE id = $9`,
		pkg.Name, permsJSON, pkg.MonthlyFee, pkg.YearlyFee, pkg.IsFreeTrial,
		pkg.MaxEmployees, pkg.MaxUsers, pkg.UpdatedAt, pkg.ID,
	)
	if err != nil {
		return mapPQError(err)
	}
	return requireRow(result)
}

func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM packages WHERE id = $1`, id)
	if err != nil {
		return mapPQError(err)
	}
	return requireRow(result)
}

func (p *PostgresStore) FindByID(ctx context.Context, id int64) (*Package, error) {
	return scanPackage(p.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context) ([]*Package, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListSelectable(ctx context.Context) ([]Option, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name FROM packages ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []Option{}
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.Name); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*Package, error) {
	pkg := &Package{}
	var permsJSON []byte
	err := row.Scan(&pkg.ID, &pkg.Name, &permsJSON, &pkg.MonthlyFee, &pkg.YearlyFee,
		&pkg.IsFreeTrial, &pkg.MaxEmployees, &pkg.MaxUsers, &pkg.CreatedAt, &pkg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &pkg.Permissions); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPackageNotFound
	}
	return nil
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrNameTaken
		case "23503":
			return ErrPackageInUse
		}
	}
	return err
}

// Migrate creates the packages table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS packages (
			id             BIGSERIAL PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			permissions    JSONB NOT NULL DEFAULT '[]',
			monthly_fee    NUMERIC(12,2) NOT NULL DEFAULT 0,
			yearly_fee     NUMERIC(12,2) NOT NULL DEFAULT 0,
			is_free_trial  BOOLEAN NOT NULL DEFAULT FALSE,
			max_employees  INTEGER NOT NULL DEFAULT 0,
			max_users      INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)

package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"
)

// PostgresProvider creates one PostgreSQL database per tenant on the server
// reachable through an admin connection.
type PostgresProvider struct {
	admin   *sql.DB
	baseURL *url.URL
}

// NewPostgresProvider connects with adminURL (a postgres:// URL whose role may
// CREATE DATABASE). Tenant connections reuse it with the database swapped.
func NewPostgresProvider(adminURL string) (*PostgresProvider, error) {
	u, err := url.Parse(adminURL)
	if err != nil {
		return nil, fmt.Errorf("parse tenant db admin url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("tenant db admin url must be a postgres:// url")
	}
	admin, err := sql.Open("postgres", adminURL)
	if err != nil {
		return nil, err
	}
	admin.SetMaxOpenConns(5)
	return &PostgresProvider{admin: admin, baseURL: u}, nil
}

// Close releases the admin pool.
func (p *PostgresProvider) Close() error {
	return p.admin.Close()
}

// Ping checks the admin connection (used for readiness probes).
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.admin.PingContext(ctx)
}

func (p *PostgresProvider) dsn(name string) string {
	u := *p.baseURL
	u.Path = "/" + name
	return u.String()
}

// Create issues CREATE DATABASE. An existing database is ErrDatabaseExists.
func (p *PostgresProvider) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := p.admin.ExecContext(ctx, `CREATE DATABASE `+pq.QuoteIdentifier(name))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" { // duplicate_database
			return ErrDatabaseExists
		}
		return fmt.Errorf("create tenant db %s: %w", name, err)
	}
	return nil
}

// Run opens a small pool on the tenant database, hands it to fn and closes
// the pool afterwards.
func (p *PostgresProvider) Run(ctx context.Context, name string, fn func(ctx context.Context, db *DB) error) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	conn, err := sql.Open("postgres", p.dsn(name))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	conn.SetMaxOpenConns(2)

	if err := conn.PingContext(ctx); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "3D000" { // invalid_catalog_name
			return ErrDatabaseNotFound
		}
		return fmt.Errorf("connect tenant db %s: %w", name, err)
	}
	return fn(ctx, &DB{name: name, conn: conn, dialect: DialectPostgres})
}

// Drop removes the database, terminating lingering sessions (PostgreSQL 13+).
func (p *PostgresProvider) Drop(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	exists, err := p.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrDatabaseNotFound
	}
	_, err = p.admin.ExecContext(ctx, `DROP DATABASE IF EXISTS `+pq.QuoteIdentifier(name)+` WITH (FORCE)`)
	if err != nil {
		return fmt.Errorf("drop tenant db %s: %w", name, err)
	}
	return nil
}

// Exists looks name up in pg_database.
func (p *PostgresProvider) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var exists bool
	err := p.admin.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, strings.ToLower(name)).Scan(&exists)
	return exists, err
}

var _ Provider = (*PostgresProvider)(nil)

package settings

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Store persists the landlord general settings (a single row).
type Store interface {
	Get(ctx context.Context) (General, error)
	Put(ctx context.Context, g General) error
}

// MemoryStore is an in-memory settings store for demo/development.
type MemoryStore struct {
	mu sync.RWMutex
	g  General
}

// NewMemoryStore starts from Defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{g: Defaults()}
}

func (m *MemoryStore) Get(_ context.Context) (General, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.g, nil
}

func (m *MemoryStore) Put(_ context.Context, g General) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g = g
	return nil
}

// PostgresStore persists general settings in the landlord database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the saved settings, or Defaults when none were saved.
func (p *PostgresStore) Get(ctx context.Context) (General, error) {
	var g General
	err := p.db.QueryRowContext(ctx, `
		SELECT site_title, currency_code, date_format, free_trial_limit, updated_at
		FROM general_settings WHERE id = 1`,
	).Scan(&g.SiteTitle, &g.CurrencyCode, &g.DateFormat, &g.FreeTrialLimit, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Defaults(), nil
	}
	return g, err
}

func (p *PostgresStore) Put(ctx context.Context, g General) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO general_settings (id, site_title, currency_code, date_format, free_trial_limit, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET site_title = $1, currency_code = $2, date_format = $3,
			free_trial_limit = $4, updated_at = $5`,
		g.SiteTitle, g.CurrencyCode, g.DateFormat, g.FreeTrialLimit, g.UpdatedAt,
	)
	return err
}

// Migrate creates the general_settings table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS general_settings (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			site_title       TEXT NOT NULL,
			currency_code    TEXT NOT NULL DEFAULT 'USD',
			date_format      TEXT NOT NULL DEFAULT 'Y-m-d',
			free_trial_limit INTEGER NOT NULL DEFAULT 14,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

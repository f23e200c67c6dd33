package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/peopledesk/internal/realtime"
)

// PostgresStore keeps subscriptions in the landlord database. Event
// filters live in a JSONB array so ListByEvent can use the GIN index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const webhookSchema = `
CREATE TABLE IF NOT EXISTS webhooks (
    id                    TEXT PRIMARY KEY,
    url                   TEXT NOT NULL,
    secret                VARCHAR(64) NOT NULL,
    events                JSONB NOT NULL,
    active                BOOLEAN NOT NULL DEFAULT TRUE,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_success          TIMESTAMPTZ,
    last_error            TEXT,
    consecutive_failures  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_webhooks_events ON webhooks USING GIN (events);
`

// Migrate applies the schema for in-process setups; deployments run
// migrations/ with goose.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, webhookSchema)
	return err
}

const selectWebhook = `SELECT id, url, secret, events, active, created_at,
	last_success, last_error, consecutive_failures FROM webhooks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("decode events of webhook %s: %w", sub.ID, err)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	subs := []*Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, url, secret, events, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, selectWebhook+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, selectWebhook+` ORDER BY created_at DESC`)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType realtime.EventType) ([]*Subscription, error) {
	return p.query(ctx, selectWebhook+` WHERE active AND events ? $1 ORDER BY created_at`, string(eventType))
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	return p.exec(ctx,
		`UPDATE webhooks SET active = $2, last_success = $3, last_error = NULLIF($4, ''), consecutive_failures = $5 WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
}

// exec runs a single-row write and maps "no row" to ErrNotFound.
func (p *PostgresStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

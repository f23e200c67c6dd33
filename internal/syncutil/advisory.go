package syncutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// advisoryUnlockTimeout bounds the unlock round trip; a session that cannot
// unlock is discarded, which ends the lock anyway.
const advisoryUnlockTimeout = 5 * time.Second

// AdvisoryLocker takes Postgres session advisory locks. Each held key pins
// one connection of its own pool, so lock holders never starve the pool the
// locked work runs on.
type AdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker opens a pool of at most maxHeld sessions on dsn.
func NewAdvisoryLocker(dsn string, maxHeld int) (*AdvisoryLocker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open advisory lock pool: %w", err)
	}
	db.SetMaxOpenConns(maxHeld)
	db.SetMaxIdleConns(maxHeld)
	return &AdvisoryLocker{db: db}, nil
}

// Close releases the pool and with it every lock still held.
func (a *AdvisoryLocker) Close() error {
	return a.db.Close()
}

// Lock blocks until the advisory lock for key is granted or ctx ends.
func (a *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// A cancelled wait may still have been granted server side.
		discard(conn)
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), advisoryUnlockTimeout)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			discard(conn)
			return
		}
		_ = conn.Close()
	}, nil
}

// discard closes the session instead of returning it to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

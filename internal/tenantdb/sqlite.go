package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteProvider keeps each tenant database in its own file under Dir.
type SQLiteProvider struct {
	Dir string
}

// NewSQLiteProvider creates dir if needed and returns a provider rooted there.
func NewSQLiteProvider(dir string) (*SQLiteProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant db dir: %w", err)
	}
	return &SQLiteProvider{Dir: dir}, nil
}

func (p *SQLiteProvider) path(name string) string {
	return filepath.Join(p.Dir, name+".db")
}

func (p *SQLiteProvider) open(name string) (*sql.DB, error) {
	dsn := p.path(name) + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant db %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Create makes a new, empty database file. An existing file is an error.
func (p *SQLiteProvider) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	f, err := os.OpenFile(p.path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrDatabaseExists
		}
		return fmt.Errorf("create tenant db %s: %w", name, err)
	}
	_ = f.Close()

	db, err := p.open(name)
	if err != nil {
		_ = os.Remove(p.path(name))
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		_ = os.Remove(p.path(name))
		return fmt.Errorf("init tenant db %s: %w", name, err)
	}
	return nil
}

// Run opens the database, hands it to fn, and closes it afterwards.
func (p *SQLiteProvider) Run(ctx context.Context, name string, fn func(ctx context.Context, db *DB) error) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := os.Stat(p.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrDatabaseNotFound
		}
		return err
	}
	conn, err := p.open(name)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(ctx, &DB{name: name, conn: conn, dialect: DialectSQLite})
}

// Drop deletes the database file and its WAL side files.
func (p *SQLiteProvider) Drop(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	base := p.path(name)
	if err := os.Remove(base); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrDatabaseNotFound
		}
		return fmt.Errorf("drop tenant db %s: %w", name, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(base + suffix)
	}
	return nil
}

// Exists reports whether the database file is present.
func (p *SQLiteProvider) Exists(_ context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(p.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var _ Provider = (*SQLiteProvider)(nil)

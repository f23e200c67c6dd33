// Package testutil provides Postgres fixtures for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/peopledesk/internal/idgen"
)

const postgresImage = "postgres:16-alpine"

var startContainer = sync.OnceValues(func() (string, error) {
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("peopledesk"),
		tcpostgres.WithUsername("peopledesk"),
		tcpostgres.WithPassword("peopledesk"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	return ctr.ConnectionString(ctx, "sslmode=disable")
})

// PGURL returns a maintenance URL for a server on which the role may
// CREATE DATABASE. POSTGRES_URL wins when set; otherwise one container is
// shared by the test binary. Skipped under -short or without a container
// runtime.
func PGURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	if u := os.Getenv("POSTGRES_URL"); u != "" {
		return u
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	u, err := startContainer()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	return u
}

// PGTest creates a throwaway database, applies migrations/ with goose and
// returns a connection to it. The cleanup drops the database, so tests
// using PGTest may run in parallel.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()
	adminURL := PGURL(t)

	admin, err := sql.Open("postgres", adminURL)
	if err != nil {
		t.Fatalf("pgtest: open maintenance connection: %v", err)
	}
	name := "pdtest_" + idgen.Hex(6)
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil { // #nosec G202 -- generated name
		_ = admin.Close()
		t.Fatalf("pgtest: create database: %v", err)
	}

	drop := func() {
		_, _ = admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+name+" WITH (FORCE)")
		_ = admin.Close()
	}

	db, err := sql.Open("postgres", withDatabase(t, adminURL, name))
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		drop()
		t.Fatalf("pgtest: connect to %s: %v", name, err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir(t)))
	if err == nil {
		_, err = provider.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		drop()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	return db, func() {
		_ = db.Close()
		drop()
	}
}

func withDatabase(t *testing.T, raw, name string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("pgtest: parse url: %v", err)
	}
	u.Path = "/" + name
	return u.String()
}

// migrationsDir finds the module's migrations/ directory from the test's
// working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: no migrations/ directory above %s", dir)
		}
		dir = parent
	}
}

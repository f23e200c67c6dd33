// Package tenantdb manages tenant-isolated databases: creating and dropping
// them, applying the baseline schema, and the tenant-local permission, role
// and settings tables the landlord keeps in sync.
package tenantdb

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Errors
var (
	ErrDatabaseExists   = errors.New("tenantdb: database already exists")
	ErrDatabaseNotFound = errors.New("tenantdb: database not found")
	ErrInvalidName      = errors.New("tenantdb: invalid database name")
	ErrRoleNotFound     = errors.New("tenantdb: role not found")
)

// OwnerRole is the privileged role seeded into every tenant database.
const OwnerRole RoleID = 1

// RoleID identifies a tenant-local role.
type RoleID int64

// Provider creates, opens and drops tenant databases. Each call is atomic on
// its own; callers compose them into sagas.
type Provider interface {
	Create(ctx context.Context, name string) error
	Run(ctx context.Context, name string, fn func(ctx context.Context, db *DB) error) error
	Drop(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateName rejects names that are unsafe as SQL identifiers or file names.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Dialect selects placeholder syntax for tenant queries.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind converts ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

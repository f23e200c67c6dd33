//go:build integration

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/mbd888/peopledesk/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	p := &Package{
		Name:         "Pro",
		Permissions:  permission.List{{ID: 2, Name: "edit"}, {ID: 3, Name: "delete"}},
		MonthlyFee:   decimal.RequireFromString("49.00"),
		YearlyFee:    decimal.RequireFromString("490.00"),
		MaxEmployees: 500,
	}
	require.NoError(t, s.Create(ctx, p))
	require.NotZero(t, p.ID)

	assert.ErrorIs(t, s.Create(ctx, &Package{Name: "Pro"}), ErrNameTaken)

	got, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Name)
	assert.True(t, got.YearlyFee.Equal(p.YearlyFee))
	assert.True(t, got.Permissions.IDs().Equal(permission.NewIDSet(2, 3)))

	got.MaxEmployees = 1000
	require.NoError(t, s.Update(ctx, got))
	got, err = s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, got.MaxEmployees)

	require.NoError(t, s.Delete(ctx, p.ID))
	_, err = s.FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

func TestPostgresStore_DeleteAssignedPackage(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	p := &Package{Name: "Basic"}
	require.NoError(t, s.Create(ctx, p))
	_, err := db.ExecContext(ctx, `
		INSERT INTO tenants (id, package_id, expiry_date, tenancy_db_name)
		VALUES ('ten_x', $1, $2, 'tenant_ten_x')`, p.ID, time.Now().UTC())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrPackageInUse)
}

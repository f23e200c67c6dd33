// Package reconciler brings a tenant's isolated permission table and owner
// role in line with a target package.
//
// A reconciliation is a two-step saga:
//  1. In the tenant database (one transaction): snapshot, delete rows not in
//     the target package, insert missing rows, grant the owner role exactly
//     the target set.
//  2. In the landlord directory: point the tenant at the target package.
//
// If step 2 fails the snapshot is restored in the tenant database.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/metrics"
	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/tenant"
	"github.com/mbd888/peopledesk/internal/tenantdb"
	"github.com/mbd888/peopledesk/internal/traces"
)

// compensationTimeout bounds a snapshot restore, which runs even after the
// caller's context is done.
const compensationTimeout = 30 * time.Second

// TenantStore is the slice of the tenant directory the reconciler needs.
type TenantStore interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	UpdatePackage(ctx context.Context, id string, packageID int64) error
}

// PackageFinder loads packages by id.
type PackageFinder interface {
	FindByID(ctx context.Context, id int64) (*catalog.Package, error)
}

// Result describes what a reconciliation changed.
type Result struct {
	TenantID          string          `json:"tenantId"`
	PreviousPackageID int64           `json:"previousPackageId"`
	TargetPackageID   int64           `json:"targetPackageId"`
	Added             []permission.ID `json:"added"`
	Removed           []permission.ID `json:"removed"`
	Inserted          []permission.ID `json:"inserted"`
	Deleted           []permission.ID `json:"deleted"`
	Granted           []permission.ID `json:"granted"`
	CompletedAt       time.Time       `json:"completedAt"`
}

// Service reconciles tenant permissions.
type Service struct {
	tenants  TenantStore
	packages PackageFinder
	dbs      tenantdb.Provider
	locks    *syncutil.KeyedMutex
}

// NewService creates a reconciler. locks must be the tenant lock table shared
// with every other operation that mutates tenant state.
func NewService(tenants TenantStore, packages PackageFinder, dbs tenantdb.Provider, locks *syncutil.KeyedMutex) *Service {
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	return &Service{
		tenants:  tenants,
		packages: packages,
		dbs:      dbs,
		locks:    locks,
	}
}

// Reconcile moves tenantID onto targetPackageID. Reconciling onto the current
// package re-asserts the package's permission set and heals drift.
func (s *Service) Reconcile(ctx context.Context, tenantID string, targetPackageID int64) (res *Result, err error) {
	ctx = logging.WithTenant(ctx, tenantID)
	ctx, span := traces.StartSpan(ctx, "reconciler.Reconcile",
		traces.TenantID(tenantID), traces.PackageID(targetPackageID))
	defer func() {
		traces.End(span, err)
		metrics.ReconciliationsTotal.WithLabelValues(resultLabel(err)).Inc()
	}()

	unlock, err := s.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, apperr.NotFound("tenant not found", err)
		}
		return nil, apperr.Transaction("load tenant", err)
	}
	span.SetAttributes(traces.DatabaseName(t.TenancyDBName))

	previous, err := s.currentPermissions(ctx, t)
	if err != nil {
		return nil, err
	}

	target, err := s.packages.FindByID(ctx, targetPackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			return nil, apperr.NotFound("package not found", err)
		}
		return nil, apperr.Transaction("load package", err)
	}

	want := target.Permissions.IDs()
	delta := permission.Diff(previous, target.Permissions)

	var (
		snap     *tenantdb.Snapshot
		inserted permission.IDSet
		deleted  permission.IDSet
	)
	err = s.dbs.Run(ctx, t.TenancyDBName, func(ctx context.Context, db *tenantdb.DB) error {
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			var err error
			if snap, err = tx.Snapshot(ctx); err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			if deleted, err = tx.DeletePermissionsNotIn(ctx, want); err != nil {
				return fmt.Errorf("delete permissions: %w", err)
			}
			// Every target row must exist before the owner role can be
			// granted it, so rows missing through drift are inserted too.
			if inserted, err = tx.InsertPermissions(ctx, target.Permissions); err != nil {
				return fmt.Errorf("insert permissions: %w", err)
			}
			if err = tx.SetRoleGrants(ctx, tenantdb.OwnerRole, want); err != nil {
				return fmt.Errorf("grant owner role: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		logging.L(ctx).Warn("tenant permission update rolled back", "db", t.TenancyDBName, "error", err)
		return nil, apperr.Transaction("reconcile tenant database", err)
	}

	if err := s.tenants.UpdatePackage(ctx, tenantID, targetPackageID); err != nil {
		return nil, s.compensate(ctx, t.TenancyDBName, snap, apperr.Transaction("update tenant package", err))
	}

	metrics.PermissionRowsTotal.WithLabelValues("inserted").Add(float64(inserted.Len()))
	metrics.PermissionRowsTotal.WithLabelValues("deleted").Add(float64(deleted.Len()))

	logging.L(ctx).Info("permissions reconciled",
		"from_package", t.PackageID,
		"to_package", targetPackageID,
		"inserted", inserted.Len(),
		"deleted", deleted.Len(),
	)

	return &Result{
		TenantID:          tenantID,
		PreviousPackageID: t.PackageID,
		TargetPackageID:   targetPackageID,
		Added:             delta.Added.IDs().Sorted(),
		Removed:           delta.Removed.Sorted(),
		Inserted:          inserted.Sorted(),
		Deleted:           deleted.Sorted(),
		Granted:           want.Sorted(),
		CompletedAt:       time.Now().UTC(),
	}, nil
}

// currentPermissions returns the permission list of the tenant's current
// package. A package that no longer exists counts as empty.
func (s *Service) currentPermissions(ctx context.Context, t *tenant.Tenant) (permission.List, error) {
	pkg, err := s.packages.FindByID(ctx, t.PackageID)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		logging.L(ctx).Warn("tenant references a missing package", "package_id", t.PackageID)
		return permission.List{}, nil
	}
	if err != nil {
		return nil, apperr.Transaction("load current package", err)
	}
	return pkg.Permissions, nil
}

// compensate restores snap after the landlord write failed. The returned error
// always carries cause; a failed restore is joined onto it.
func (s *Service) compensate(ctx context.Context, dbName string, snap *tenantdb.Snapshot, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	restoreErr := s.dbs.Run(ctx, dbName, func(ctx context.Context, db *tenantdb.DB) error {
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			return tx.Restore(ctx, snap)
		})
	})
	if restoreErr != nil {
		metrics.CompensationsTotal.WithLabelValues("reconcile", "failed").Inc()
		logging.L(ctx).Error("compensation failed, tenant database diverges from directory",
			"db", dbName, "cause", cause, "error", restoreErr)
		return fmt.Errorf("%w; restore tenant permissions: %w", cause, restoreErr)
	}
	metrics.CompensationsTotal.WithLabelValues("reconcile", "succeeded").Inc()
	logging.L(ctx).Warn("tenant permissions restored after directory update failed", "db", dbName, "cause", cause)
	return cause
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperr.KindOf(err))
}

package catalog

import "context"

// Store persists packages.
type Store interface {
	Create(ctx context.Context, p *Package) error // assigns p.ID
	Update(ctx context.Context, p *Package) error
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*Package, error)
	List(ctx context.Context) ([]*Package, error)
	ListSelectable(ctx context.Context) ([]Option, error)
}

// ReferenceChecker reports whether any tenant is assigned to a package.
// MemoryStore consults it before deleting; Postgres relies on the foreign key.
type ReferenceChecker interface {
	PackageInUse(ctx context.Context, packageID int64) (bool, error)
}

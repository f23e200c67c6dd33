package server

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/permission"
)

// hrPermissions is the permission vocabulary of the development catalogue.
var hrPermissions = permission.List{
	{ID: 1, Name: "employee.view"},
	{ID: 2, Name: "employee.manage"},
	{ID: 3, Name: "attendance.view"},
	{ID: 4, Name: "attendance.manage"},
	{ID: 5, Name: "leave.manage"},
	{ID: 6, Name: "payroll.view"},
	{ID: 7, Name: "payroll.run"},
	{ID: 8, Name: "reports.export"},
}

// seedDevelopmentCatalog gives an in-memory development server a free trial
// and one paid package, so signup works without any admin setup.
func seedDevelopmentCatalog(ctx context.Context, store catalog.Store) error {
	existing, err := store.List(ctx)
	if err != nil || len(existing) > 0 {
		return err
	}

	packages := []*catalog.Package{
		{
			Name:         "Free Trial",
			Permissions:  hrPermissions[:4],
			MonthlyFee:   decimal.Zero,
			YearlyFee:    decimal.Zero,
			IsFreeTrial:  true,
			MaxEmployees: 10,
			MaxUsers:     2,
		},
		{
			Name:         "Standard",
			Permissions:  hrPermissions,
			MonthlyFee:   decimal.RequireFromString("49.00"),
			YearlyFee:    decimal.RequireFromString("490.00"),
			MaxEmployees: 250,
			MaxUsers:     25,
		},
	}
	for _, p := range packages {
		if err := store.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

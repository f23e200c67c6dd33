// Package catalog is the landlord package registry: subscription packages with
// their embedded permission sets, pricing and feature limits.
package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrPackageNotFound = errors.New("catalog: package not found")
	ErrNameTaken       = errors.New("catalog: package name already taken")
	ErrPackageInUse    = errors.New("catalog: package is assigned to tenants")
)

// SubscriptionType is the billing period of a subscription.
type SubscriptionType string

const (
	Monthly SubscriptionType = "monthly"
	Yearly  SubscriptionType = "yearly"
)

// Valid reports whether t is a known billing period.
func (t SubscriptionType) Valid() bool {
	return t == Monthly || t == Yearly
}

// ParseSubscriptionType normalises user input into a SubscriptionType.
func ParseSubscriptionType(s string) (SubscriptionType, bool) {
	t := SubscriptionType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Extend returns the end of one billing period starting at from.
func (t SubscriptionType) Extend(from time.Time) time.Time {
	if t == Yearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Package is a subscription tier. Changing Permissions does not affect
// tenants already on the package until they are reconciled.
type Package struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Permissions  permission.List `json:"permissions"`
	MonthlyFee   decimal.Decimal `json:"monthlyFee"`
	YearlyFee    decimal.Decimal `json:"yearlyFee"`
	IsFreeTrial  bool            `json:"isFreeTrial"`
	MaxEmployees int             `json:"maxEmployees"` // 0 = unlimited
	MaxUsers     int             `json:"maxUsers"`     // 0 = unlimited
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Price returns the fee charged for one period of the given type.
func (p *Package) Price(t SubscriptionType) decimal.Decimal {
	if t == Yearly {
		return p.YearlyFee
	}
	return p.MonthlyFee
}

// RequiresPayment reports whether subscribing for period t needs a payment step.
func (p *Package) RequiresPayment(t SubscriptionType) bool {
	return !p.IsFreeTrial && p.Price(t).IsPositive()
}

// Option is the {id, name} pair used to populate selection lists.
type Option struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

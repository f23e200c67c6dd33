// Package settings holds landlord-wide general settings and the typed
// configuration pushed into each tenant database.
package settings

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/peopledesk/internal/catalog"
)

// ErrInvalidTenantSettings is returned when a stored tenant setting cannot be parsed.
var ErrInvalidTenantSettings = errors.New("settings: invalid tenant settings")

// DefaultFreeTrialDays applies when no general settings row exists yet.
const DefaultFreeTrialDays = 14

// General is the landlord's global configuration.
type General struct {
	SiteTitle      string    `json:"siteTitle"`
	CurrencyCode   string    `json:"currencyCode"`
	DateFormat     string    `json:"dateFormat"`
	FreeTrialLimit int       `json:"freeTrialLimit"` // days
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Defaults returns the settings used before an administrator saves any.
func Defaults() General {
	return General{
		SiteTitle:      "PeopleDesk",
		CurrencyCode:   "USD",
		DateFormat:     "Y-m-d",
		FreeTrialLimit: DefaultFreeTrialDays,
	}
}

// Keys of the tenant-local general_settings table.
const (
	KeyPackageID        = "package_id"
	KeyPackageName      = "package_name"
	KeySubscriptionType = "subscription_type"
	KeyExpiryDate       = "expiry_date"
	KeyMaxEmployees     = "max_employees"
	KeyMaxUsers         = "max_users"
	KeyCurrencyCode     = "currency_code"
	KeyDateFormat       = "date_format"
)

const dateLayout = "2006-01-02"

// Tenant is the package-derived configuration a tenant database carries.
type Tenant struct {
	PackageID        int64                    `json:"packageId"`
	PackageName      string                   `json:"packageName"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	ExpiryDate       time.Time                `json:"expiryDate"`
	MaxEmployees     int                      `json:"maxEmployees"`
	MaxUsers         int                      `json:"maxUsers"`
	CurrencyCode     string                   `json:"currencyCode"`
	DateFormat       string                   `json:"dateFormat"`
}

// Values flattens t into key/value rows.
func (t Tenant) Values() map[string]string {
	return map[string]string{
		KeyPackageID:        strconv.FormatInt(t.PackageID, 10),
		KeyPackageName:      t.PackageName,
		KeySubscriptionType: string(t.SubscriptionType),
		KeyExpiryDate:       t.ExpiryDate.Format(dateLayout),
		KeyMaxEmployees:     strconv.Itoa(t.MaxEmployees),
		KeyMaxUsers:         strconv.Itoa(t.MaxUsers),
		KeyCurrencyCode:     t.CurrencyCode,
		KeyDateFormat:       t.DateFormat,
	}
}

// ParseTenant reads settings written by Values. Missing keys keep zero values.
func ParseTenant(values map[string]string) (Tenant, error) {
	var t Tenant
	var err error
	if v, ok := values[KeyPackageID]; ok && v != "" {
		if t.PackageID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return t, fmt.Errorf("%w: %s: %v", ErrInvalidTenantSettings, KeyPackageID, err)
		}
	}
	if v, ok := values[KeyExpiryDate]; ok && v != "" {
		if t.ExpiryDate, err = time.Parse(dateLayout, v); err != nil {
			return t, fmt.Errorf("%w: %s: %v", ErrInvalidTenantSettings, KeyExpiryDate, err)
		}
	}
	if v, ok := values[KeyMaxEmployees]; ok && v != "" {
		if t.MaxEmployees, err = strconv.Atoi(v); err != nil {
			return t, fmt.Errorf("%w: %s: %v", ErrInvalidTenantSettings, KeyMaxEmployees, err)
		}
	}
	if v, ok := values[KeyMaxUsers]; ok && v != "" {
		if t.MaxUsers, err = strconv.Atoi(v); err != nil {
			return t, fmt.Errorf("%w: %s: %v", ErrInvalidTenantSettings, KeyMaxUsers, err)
		}
	}
	t.PackageName = values[KeyPackageName]
	t.SubscriptionType = catalog.SubscriptionType(values[KeySubscriptionType])
	t.CurrencyCode = values[KeyCurrencyCode]
	t.DateFormat = values[KeyDateFormat]
	return t, nil
}

// ForPackage derives the tenant configuration from a package, the landlord
// settings and the subscription terms. It performs no I/O.
func ForPackage(pkg *catalog.Package, general General, subType catalog.SubscriptionType, expiry time.Time) Tenant {
	return Tenant{
		PackageID:        pkg.ID,
		PackageName:      pkg.Name,
		SubscriptionType: subType,
		ExpiryDate:       expiry,
		MaxEmployees:     pkg.MaxEmployees,
		MaxUsers:         pkg.MaxUsers,
		CurrencyCode:     general.CurrencyCode,
		DateFormat:       general.DateFormat,
	}
}

// FreeTrialExpiry returns the last day of a free trial starting on today.
func (g General) FreeTrialExpiry(today time.Time) time.Time {
	days := g.FreeTrialLimit
	if days <= 0 {
		days = DefaultFreeTrialDays
	}
	return today.AddDate(0, 0, days)
}

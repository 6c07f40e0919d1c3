// Package shipping holds the shipping types consumed by checkout. Rates are
// quoted by an external service.
package shipping

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Address is a postal address.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// InvalidAddressError lists the required fields an address is missing.
type InvalidAddressError struct {
	Missing []string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("address is missing %s", strings.Join(e.Missing, ", "))
}

// Validate checks that required fields are present.
func (a Address) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"line1", a.Line1},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &InvalidAddressError{Missing: missing}
	}
	return nil
}

// Parcel is the package being shipped. Dimensions are in inches, weight in
// ounces.
type Parcel struct {
	Length decimal.Decimal
	Width  decimal.Decimal
	Height decimal.Decimal
	Weight decimal.Decimal
}

// Rate is a quote returned by the shipping service.
type Rate struct {
	Carrier       string
	Service       string
	Rate          decimal.Decimal
	EstimatedDays int
}

// Selection is the rate chosen for a checkout. It is a copy and never changes
// after it is made.
type Selection struct {
	Carrier       string
	Service       string
	Rate          decimal.Decimal
	EstimatedDays int
}

// Select returns the selection for r.
func (r Rate) Select() Selection {
	return Selection(r)
}

// Quoter returns shipping rates for a destination and parcel.
type Quoter interface {
	Quote(ctx context.Context, to Address, parcel Parcel) ([]Rate, error)
}

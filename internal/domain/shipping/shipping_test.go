package shipping

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Validate(t *testing.T) {
	full := Address{Name: "Ann", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	require.NoError(t, full.Validate())

	var invalid *InvalidAddressError
	err := Address{Name: "Ann", City: " "}.Validate()
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"line1", "city", "postal_code", "country"}, invalid.Missing)
	assert.Equal(t, "address is missing line1, city, postal_code, country", err.Error())
}

func TestRate_Select(t *testing.T) {
	r := Rate{Carrier: "USPS", Service: "Priority", Rate: decimal.RequireFromString("9.99"), EstimatedDays: 2}
	sel := r.Select()

	r.Rate = decimal.RequireFromString("20")
	assert.Equal(t, "9.99", sel.Rate.String())
	assert.Equal(t, "USPS", sel.Carrier)
}

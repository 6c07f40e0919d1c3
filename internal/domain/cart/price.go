package cart

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ErrInvalidPrice is returned when a product price cannot be interpreted as a
// non-negative decimal amount.
var ErrInvalidPrice = errors.New("invalid price")

// NormalizePrice converts the price representations upstream callers send
// (numbers, numeric strings, JSON numbers, decimals) into a decimal amount.
// It is the only place in the cart where price coercion happens.
func NormalizePrice(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch p := v.(type) {
	case decimal.Decimal:
		d = p
	case *decimal.Decimal:
		if p == nil {
			return decimal.Zero, ErrInvalidPrice
		}
		d = *p
	case string:
		d, err = parsePriceString(p)
	case json.Number:
		d, err = parsePriceString(p.String())
	case jx.Num:
		d, err = parsePriceString(strings.Trim(p.String(), `"`))
	case float64:
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return decimal.Zero, ErrInvalidPrice
		}
		d = decimal.NewFromFloat(p)
	case float32:
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return decimal.Zero, ErrInvalidPrice
		}
		d = decimal.NewFromFloat32(p)
	case int:
		d = decimal.NewFromInt(int64(p))
	case int32:
		d = decimal.NewFromInt32(p)
	case int64:
		d = decimal.NewFromInt(p)
	case uint:
		d = decimal.NewFromUint64(uint64(p))
	case uint64:
		d = decimal.NewFromUint64(p)
	default:
		return decimal.Zero, errors.Wrapf(ErrInvalidPrice, "unsupported type %T", v)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrInvalidPrice, "negative amount %s", d)
	}
	return d, nil
}

func parsePriceString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	// Display strings such as "$25.00" or "1,250.00" show up from scraped catalog data.
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, errors.Wrap(ErrInvalidPrice, "empty string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidPrice, "parse %q", s)
	}
	return d, nil
}

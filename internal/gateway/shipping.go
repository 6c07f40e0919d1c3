package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

var _ shipping.Quoter = (*Shipping)(nil)

// Shipping is the rate quoting API.
type Shipping struct {
	c *Client
}

// NewShipping creates the shipping rates client.
func NewShipping(c *Client) *Shipping {
	return &Shipping{c: c}
}

// Quote returns the rates for parcel to the given address in the order the
// service lists them. A negative or unreadable price fails the whole quote.
func (s *Shipping) Quote(ctx context.Context, to shipping.Address, parcel shipping.Parcel) ([]shipping.Rate, error) {
	var rates []shipping.Rate
	_, err := s.c.do(ctx, call{
		method: http.MethodPost,
		path:   "/v1/rates",
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("address_to", func(e *jx.Encoder) { encodeAddress(e, to) })
				e.Field("parcel", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						encodeDecimalField(e, "length", parcel.Length)
						encodeDecimalField(e, "width", parcel.Width)
						encodeDecimalField(e, "height", parcel.Height)
						encodeDecimalField(e, "weight", parcel.Weight)
						e.Field("distance_unit", func(e *jx.Encoder) { e.Str("in") })
						e.Field("mass_unit", func(e *jx.Encoder) { e.Str("oz") })
					})
				})
			})
		},
		decode: func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "rates" {
					return d.Skip()
				}
				return d.Arr(func(d *jx.Decoder) error {
					r, err := decodeRate(d)
					if err != nil {
						return err
					}
					rates = append(rates, r)
					return nil
				})
			})
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "quote rates")
	}
	return rates, nil
}

func encodeAddress(e *jx.Encoder, a shipping.Address) {
	e.Obj(func(e *jx.Encoder) {
		for _, f := range []struct {
			name  string
			value string
		}{
			{"name", a.Name},
			{"street1", a.Line1},
			{"street2", a.Line2},
			{"city", a.City},
			{"state", a.State},
			{"zip", a.PostalCode},
			{"country", a.Country},
			{"phone", a.Phone},
		} {
			if f.value == "" {
				continue
			}
			e.Field(f.name, func(e *jx.Encoder) { e.Str(f.value) })
		}
	})
}

func encodeDecimalField(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v.String()) })
}

func decodeRate(d *jx.Decoder) (shipping.Rate, error) {
	var r shipping.Rate
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "carrier", "provider":
			r.Carrier, err = d.Str()
		case "service", "servicelevel":
			if d.Next() == jx.Object {
				return d.Obj(func(d *jx.Decoder, key string) error {
					if key != "name" {
						return d.Skip()
					}
					r.Service, err = d.Str()
					return err
				})
			}
			r.Service, err = d.Str()
		case "rate", "amount":
			r.Rate, err = decodeDecimal(d)
		case "estimated_days":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.EstimatedDays, err = d.Int()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return shipping.Rate{}, err
	}
	if r.Rate.IsNegative() {
		return shipping.Rate{}, errors.Errorf("rate %s %s is negative", r.Carrier, r.Service)
	}
	return r, nil
}

package cart

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

const codecVersion = 1

// Encode serializes a cart state. Prices are written as decimal strings.
func Encode(s State) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("version", func(e *jx.Encoder) { e.Int(codecVersion) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range s.Lines {
					EncodeLine(e, l)
				}
			})
		})
		e.Field("total", func(e *jx.Encoder) { e.Str(s.Total.String()) })
	})

	out := make([]byte, len(e.Bytes()))
	copy(out, e.Bytes())
	return out
}

// EncodeLine writes a single line object.
func EncodeLine(e *jx.Encoder, l Line) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("productId", func(e *jx.Encoder) { e.Int64(l.ProductID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(l.Name) })
		e.Field("unitPrice", func(e *jx.Encoder) { e.Str(l.UnitPrice.String()) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
	})
}

// Decode parses data produced by Encode. It rejects duplicate products,
// quantities below 1 and unreadable prices. The total is rebuilt from the
// lines; the stored total is only checked for readability.
func Decode(data []byte) (State, error) {
	var (
		s       State
		seen    = make(map[int64]struct{})
		version int
	)

	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "version":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "version")
			}
			version = v
			return nil
		case "lines":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				if err != nil {
					return err
				}
				if _, dup := seen[l.ProductID]; dup {
					return errors.Errorf("duplicate product %d", l.ProductID)
				}
				seen[l.ProductID] = struct{}{}
				s.Lines = append(s.Lines, l)
				return nil
			})
		case "total":
			if _, err := decodePrice(d); err != nil {
				return errors.Wrap(err, "total")
			}
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return State{}, errors.Wrap(err, "decode cart")
	}
	if version > codecVersion {
		return State{}, errors.Errorf("unsupported cart version %d", version)
	}

	s.Total = decimal.Zero
	for _, l := range s.Lines {
		s.Total = s.Total.Add(l.Subtotal())
	}
	return s, nil
}

func decodeLine(d *jx.Decoder) (Line, error) {
	var (
		l      Line
		hasID  bool
		hasQty bool
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			l.ProductID, err = d.Int64()
			hasID = err == nil
		case "name":
			l.Name, err = d.Str()
		case "unitPrice":
			l.UnitPrice, err = decodePrice(d)
		case "quantity":
			l.Quantity, err = d.Int()
			hasQty = err == nil
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return Line{}, errors.Wrap(err, "line")
	}
	if !hasID || !hasQty {
		return Line{}, errors.New("line: missing productId or quantity")
	}
	if l.Quantity < 1 {
		return Line{}, errors.Errorf("line %d: quantity %d below 1", l.ProductID, l.Quantity)
	}
	return l, nil
}

// decodePrice accepts a price written either as a string or as a number.
func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return NormalizePrice(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return NormalizePrice(n)
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for price", d.Next())
	}
}

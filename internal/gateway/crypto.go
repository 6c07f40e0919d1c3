package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/crypto"
)

var _ crypto.Client = (*Crypto)(nil)

// Crypto is the hosted crypto charge API.
type Crypto struct {
	c *Client
}

// NewCrypto creates the crypto charge client.
func NewCrypto(c *Client) *Crypto {
	return &Crypto{c: c}
}

func (s *Crypto) CreateCharge(ctx context.Context, p crypto.ChargeParams) (crypto.Charge, error) {
	var ch crypto.Charge
	_, err := s.c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/charges",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("pricing_type", func(e *jx.Encoder) { e.Str("fixed_price") })
				e.Field("local_price", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("amount", func(e *jx.Encoder) { e.Str(p.Amount) })
						e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
					})
				})
				e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
				e.Field("metadata", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("session_id", func(e *jx.Encoder) { e.Str(p.SessionID) })
						e.Field("email", func(e *jx.Encoder) { e.Str(p.Email) })
					})
				})
			})
		},
		decode: func(d *jx.Decoder) error {
			return dataObj(d, func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "id":
					ch.ID, err = d.Str()
				case "hosted_url":
					ch.HostedURL, err = d.Str()
				case "expires_at":
					ch.ExpiresAt, err = decodeTime(d)
				default:
					return d.Skip()
				}
				return err
			})
		},
	})
	return ch, err
}

func (s *Crypto) Verify(ctx context.Context, chargeID string) (crypto.Verification, error) {
	var v crypto.Verification
	_, err := s.c.do(ctx, call{
		method: http.MethodGet,
		path:   "/charges/" + pathEscape(chargeID),
		decode: func(d *jx.Decoder) error {
			return dataObj(d, func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "status":
					v.Status, err = d.Str()
				case "tx_hash":
					if d.Next() == jx.Null {
						return d.Null()
					}
					v.TxHash, err = d.Str()
				default:
					return d.Skip()
				}
				return err
			})
		},
	})
	return v, err
}

// dataObj decodes the fields of the "data" envelope.
func dataObj(d *jx.Decoder, f func(d *jx.Decoder, key string) error) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key != "data" {
			return d.Skip()
		}
		return d.Obj(f)
	})
}

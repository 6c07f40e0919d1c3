package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/square"
)

var _ square.Client = (*Square)(nil)

// Square is the payments API.
type Square struct {
	c *Client
}

// NewSquare creates the Square client.
func NewSquare(c *Client) *Square {
	return &Square{c: c}
}

func (s *Square) CreatePayment(ctx context.Context, p square.PaymentParams) (square.Payment, error) {
	var pay square.Payment
	_, err := s.c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/v2/payments",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("source_id", func(e *jx.Encoder) { e.Str(p.SourceID) })
				e.Field("idempotency_key", func(e *jx.Encoder) { e.Str(p.IdempotencyKey) })
				e.Field("amount_money", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("amount", func(e *jx.Encoder) { e.Int64(p.Amount) })
						e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
					})
				})
				if p.BuyerEmail != "" {
					e.Field("buyer_email_address", func(e *jx.Encoder) { e.Str(p.BuyerEmail) })
				}
				if p.Note != "" {
					e.Field("note", func(e *jx.Encoder) { e.Str(p.Note) })
				}
			})
		},
		decode: func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "payment" {
					return d.Skip()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "id":
						pay.ID, err = d.Str()
					case "status":
						pay.Status, err = d.Str()
					default:
						return d.Skip()
					}
					return err
				})
			})
		},
	})
	return pay, err
}

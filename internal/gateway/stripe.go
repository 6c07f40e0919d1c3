package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/stripe"
)

var _ stripe.Client = (*Stripe)(nil)

// Stripe is the payment intents API.
type Stripe struct {
	c *Client
}

// NewStripe creates the Stripe client.
func NewStripe(c *Client) *Stripe {
	return &Stripe{c: c}
}

func (s *Stripe) CreateIntent(ctx context.Context, p stripe.IntentParams) (stripe.Intent, error) {
	var intent stripe.Intent
	_, err := s.c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/v1/payment_intents",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("amount", func(e *jx.Encoder) { e.Int64(p.Amount) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
				if p.ReceiptEmail != "" {
					e.Field("receipt_email", func(e *jx.Encoder) { e.Str(p.ReceiptEmail) })
				}
				if p.Description != "" {
					e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
				}
			})
		},
		decode: func(d *jx.Decoder) error { return decodeIntent(d, &intent) },
	})
	return intent, err
}

func (s *Stripe) ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (stripe.Intent, error) {
	var intent stripe.Intent
	_, err := s.c.do(ctx, call{
		method: http.MethodPost,
		path:   "/v1/payment_intents/" + pathEscape(intentID) + "/confirm",
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("payment_method", func(e *jx.Encoder) { e.Str(paymentMethodID) })
			})
		},
		decode: func(d *jx.Decoder) error { return decodeIntent(d, &intent) },
	})
	return intent, err
}

func decodeIntent(d *jx.Decoder, intent *stripe.Intent) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			intent.ID, err = d.Str()
		case "client_secret":
			intent.ClientSecret, err = d.Str()
		case "status":
			intent.Status, err = d.Str()
		case "last_payment_error":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "message" {
					return d.Skip()
				}
				intent.LastError, err = d.Str()
				return err
			})
		default:
			return d.Skip()
		}
		return err
	})
}

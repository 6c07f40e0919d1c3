package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/googlepay"
)

var _ googlepay.Client = (*GooglePay)(nil)

// GooglePay sends Google Pay tokens to the card processor.
type GooglePay struct {
	c *Client
}

// NewGooglePay creates the Google Pay processor client.
func NewGooglePay(c *Client) *GooglePay {
	return &GooglePay{c: c}
}

func (g *GooglePay) Confirm(ctx context.Context, p googlepay.ConfirmParams) (googlepay.Confirmation, error) {
	var conf googlepay.Confirmation
	_, err := g.c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/v1/googlepay/payments",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("token", func(e *jx.Encoder) { e.Str(p.Token) })
				e.Field("amount", func(e *jx.Encoder) { e.Int64(p.Amount) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
				e.Field("email", func(e *jx.Encoder) { e.Str(p.Email) })
			})
		},
		decode: func(d *jx.Decoder) error { return decodeApproval(d, &conf.ID, &conf.Approved, &conf.Message) },
	})
	return conf, err
}

// decodeApproval reads the {"id","approved","message"} answer shared by the
// wallet processors.
func decodeApproval(d *jx.Decoder, id *string, approved *bool, message *string) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			*id, err = d.Str()
		case "approved":
			*approved, err = d.Bool()
		case "message":
			if d.Next() == jx.Null {
				return d.Null()
			}
			*message, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
}

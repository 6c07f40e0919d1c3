package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/applepay"
)

var (
	_ applepay.MerchantValidator = (*ApplePay)(nil)
	_ applepay.Processor         = (*ApplePay)(nil)
)

// Merchant identifies the shop to Apple during merchant validation.
type Merchant struct {
	ID          string
	DisplayName string
	Domain      string
}

// ApplePay validates the merchant against Apple and sends payment tokens to
// the card processor. Validation goes through apple, which must present the
// merchant identity certificate; processing goes through processor.
type ApplePay struct {
	apple     *Client
	processor *Client
	merchant  Merchant
}

// NewApplePay creates the Apple Pay client.
func NewApplePay(apple, processor *Client, m Merchant) *ApplePay {
	return &ApplePay{apple: apple, processor: processor, merchant: m}
}

// Validate requests a merchant session from the validation URL handed to the
// browser. Only Apple hosts are contacted.
func (a *ApplePay) Validate(ctx context.Context, validationURL string) ([]byte, error) {
	if err := applepay.CheckValidationURL(validationURL); err != nil {
		return nil, err
	}
	data, err := a.apple.do(ctx, call{
		method: http.MethodPost,
		path:   validationURL,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("merchantIdentifier", func(e *jx.Encoder) { e.Str(a.merchant.ID) })
				e.Field("displayName", func(e *jx.Encoder) { e.Str(a.merchant.DisplayName) })
				e.Field("initiative", func(e *jx.Encoder) { e.Str("web") })
				e.Field("initiativeContext", func(e *jx.Encoder) { e.Str(a.merchant.Domain) })
			})
		},
		decode: func(d *jx.Decoder) error {
			if d.Next() != jx.Object {
				return errors.New("merchant session is not an object")
			}
			return d.Skip()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "validate merchant")
	}
	return data, nil
}

func (a *ApplePay) Process(ctx context.Context, p applepay.ProcessParams) (applepay.Result, error) {
	var res applepay.Result
	_, err := a.processor.do(ctx, call{
		method:         http.MethodPost,
		path:           "/v1/applepay/payments",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("token", func(e *jx.Encoder) {
					// The browser posts the token object as is.
					if jx.Valid([]byte(p.Token)) {
						e.Raw([]byte(p.Token))
						return
					}
					e.Str(p.Token)
				})
				e.Field("amount", func(e *jx.Encoder) { e.Int64(p.Amount) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
				e.Field("email", func(e *jx.Encoder) { e.Str(p.Email) })
			})
		},
		decode: func(d *jx.Decoder) error { return decodeApproval(d, &res.ID, &res.Approved, &res.Message) },
	})
	return res, err
}

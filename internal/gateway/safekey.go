package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment/safekey"
)

var _ safekey.Client = (*SafeKey)(nil)

// SafeKey is the cardholder challenge API.
type SafeKey struct {
	c *Client
}

// NewSafeKey creates the SafeKey client.
func NewSafeKey(c *Client) *SafeKey {
	return &SafeKey{c: c}
}

func (s *SafeKey) Initiate(ctx context.Context, p safekey.InitiateParams) (safekey.Challenge, error) {
	var ch safekey.Challenge
	_, err := s.c.do(ctx, call{
		method:         http.MethodPost,
		path:           "/v1/challenges",
		idempotencyKey: p.IdempotencyKey,
		body: func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("amount", func(e *jx.Encoder) { e.Int64(p.Amount) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
				e.Field("cardholder_name", func(e *jx.Encoder) { e.Str(p.CardholderName) })
				e.Field("email", func(e *jx.Encoder) { e.Str(p.Email) })
			})
		},
		decode: func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "id":
					ch.ID, err = d.Str()
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

func (s *SafeKey) Status(ctx context.Context, challengeID string) (string, error) {
	var status string
	_, err := s.c.do(ctx, call{
		method: http.MethodGet,
		path:   "/v1/challenges/" + pathEscape(challengeID),
		decode: func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "status" {
					return d.Skip()
				}
				var err error
				status, err = d.Str()
				return err
			})
		},
	})
	return status, err
}

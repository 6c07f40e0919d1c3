// Package googlepay confirms Google Pay payments. The browser posts the
// payment data returned by the Google Pay sheet; the adapter loads the
// tokenized card from it and confirms the charge on the server.
package googlepay

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/payment"
)

// PaymentData is the part of the Google Pay PaymentData object the server
// needs.
type PaymentData struct {
	// Token is paymentMethodData.tokenizationData.token.
	Token       string
	TokenType   string
	CardNetwork string
	CardDetails string
	Email       string
}

// Loader obtains the tokenized payment data of an attempt.
type Loader interface {
	Load(ctx context.Context, raw string) (PaymentData, error)
}

// ConfirmParams describes a server confirmation.
type ConfirmParams struct {
	Token          string
	Amount         int64
	Currency       string
	Email          string
	IdempotencyKey string
}

// Confirmation is the processor's answer.
type Confirmation struct {
	ID       string
	Approved bool
	Message  string
}

// Client confirms tokenized payments with the processor.
type Client interface {
	Confirm(ctx context.Context, p ConfirmParams) (Confirmation, error)
}

// ErrNoToken is returned when payment data carries no tokenization token.
var ErrNoToken = errors.New("payment data has no token")

// Parser is a Loader reading the PaymentData JSON posted by the browser.
type Parser struct{}

var _ Loader = Parser{}

func (Parser) Load(_ context.Context, raw string) (PaymentData, error) {
	var pd PaymentData
	d := jx.DecodeStr(raw)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "email":
			v, err := d.Str()
			pd.Email = v
			return err
		case "paymentMethodData":
			return decodeMethodData(d, &pd)
		default:
			return d.Skip()
		}
	}); err != nil {
		return PaymentData{}, errors.Wrap(err, "parse payment data")
	}
	if pd.Token == "" {
		return PaymentData{}, ErrNoToken
	}
	return pd, nil
}

func decodeMethodData(d *jx.Decoder, pd *PaymentData) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "info":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "cardNetwork":
					pd.CardNetwork, err = d.Str()
				case "cardDetails":
					pd.CardDetails, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "tokenizationData":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "token":
					pd.Token, err = d.Str()
				case "type":
					pd.TokenType, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			return d.Skip()
		}
	})
}

var _ payment.Adapter = (*Adapter)(nil)

// Adapter loads payment data and confirms it once.
type Adapter struct {
	loader Loader
	client Client
}

// New creates an Adapter.
func New(loader Loader, client Client) *Adapter {
	return &Adapter{loader: loader, client: client}
}

func (a *Adapter) Method() payment.Method {
	return payment.MethodGooglePay
}

func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	if strings.TrimSpace(req.Token) == "" {
		req.Publish(payment.Action{Kind: payment.ActionPresentSheet})
		return payment.Invalid("Google Pay payment data missing")
	}

	pd, err := a.loader.Load(ctx, req.Token)
	if err != nil {
		return payment.Invalid(err.Error())
	}

	email := pd.Email
	if email == "" {
		email = req.Billing.Email
	}
	conf, err := a.client.Confirm(ctx, ConfirmParams{
		Token:          pd.Token,
		Amount:         payment.MinorUnits(req.Amount),
		Currency:       req.Currency,
		Email:          email,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return payment.FromError(ctx, err)
	}
	if !conf.Approved {
		msg := conf.Message
		if msg == "" {
			msg = "Google Pay payment declined"
		}
		return payment.Declined(msg).WithReference(conf.ID)
	}
	return payment.Succeeded(conf.ID)
}

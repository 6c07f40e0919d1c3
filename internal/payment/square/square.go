// Package square charges cards tokenized by the Square Web Payments widget.
package square

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/payment"
)

// Payment statuses that count as captured.
const (
	StatusCompleted = "COMPLETED"
	StatusApproved  = "APPROVED"
)

// ErrInvalidNonce is returned by NonceTokenizer for data that is not a card
// nonce.
var ErrInvalidNonce = errors.New("invalid card nonce")

// Tokenizer turns the card data posted by the browser into a payment source id.
type Tokenizer interface {
	Tokenize(ctx context.Context, cardData string) (sourceID string, err error)
}

// PaymentParams describes a create-payment call.
type PaymentParams struct {
	SourceID       string
	Amount         int64
	Currency       string
	BuyerEmail     string
	Note           string
	IdempotencyKey string
}

// Payment is the provider's payment record.
type Payment struct {
	ID     string
	Status string
}

// Client is the subset of the Square API used by the adapter.
type Client interface {
	CreatePayment(ctx context.Context, p PaymentParams) (Payment, error)
}

// NonceTokenizer accepts nonces already produced by the browser widget.
type NonceTokenizer struct{}

var _ Tokenizer = NonceTokenizer{}

func (NonceTokenizer) Tokenize(_ context.Context, cardData string) (string, error) {
	nonce := strings.TrimSpace(cardData)
	if !strings.HasPrefix(nonce, "cnon:") || len(nonce) == len("cnon:") {
		return "", ErrInvalidNonce
	}
	return nonce, nil
}

var _ payment.Adapter = (*Adapter)(nil)

// Adapter tokenizes the card and creates the payment in one round trip.
// A tokenization failure leaves recovery (re-rendering the widget) to the
// browser.
type Adapter struct {
	tokenizer Tokenizer
	client    Client
}

// New creates an Adapter.
func New(tokenizer Tokenizer, client Client) *Adapter {
	return &Adapter{tokenizer: tokenizer, client: client}
}

func (a *Adapter) Method() payment.Method {
	return payment.MethodSquare
}

func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	sourceID, err := a.tokenizer.Tokenize(ctx, req.Token)
	if err != nil {
		return payment.Invalid("card tokenization failed: " + err.Error())
	}

	p, err := a.client.CreatePayment(ctx, PaymentParams{
		SourceID:       sourceID,
		Amount:         payment.MinorUnits(req.Amount),
		Currency:       strings.ToUpper(req.Currency),
		BuyerEmail:     req.Billing.Email,
		Note:           "Order " + req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return payment.FromError(ctx, err)
	}

	switch p.Status {
	case StatusCompleted, StatusApproved:
		return payment.Succeeded(p.ID)
	default:
		return payment.Declined("payment " + strings.ToLower(p.Status)).WithReference(p.ID)
	}
}

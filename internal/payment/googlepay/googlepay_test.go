package googlepay

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/payment"
)

const samplePaymentData = `{
  "apiVersion": 2,
  "apiVersionMinor": 0,
  "email": "buyer@example.com",
  "paymentMethodData": {
    "type": "CARD",
    "description": "Visa •••• 1111",
    "info": {"cardNetwork": "VISA", "cardDetails": "1111", "billingAddress": {"name": "Ann"}},
    "tokenizationData": {"type": "PAYMENT_GATEWAY", "token": "{\"id\":\"tok_123\"}"}
  }
}`

type mockClient struct {
	calls []ConfirmParams
	conf  Confirmation
	err   error
}

func (m *mockClient) Confirm(_ context.Context, p ConfirmParams) (Confirmation, error) {
	m.calls = append(m.calls, p)
	return m.conf, m.err
}

func request(token string) payment.Request {
	return payment.Request{
		SessionID:      "s1",
		Amount:         decimal.RequireFromString("20.50"),
		Currency:       "usd",
		Billing:        payment.Billing{Name: "Ann", Email: "ann@example.com"},
		IdempotencyKey: "idem-1",
		Token:          token,
	}
}

func TestParser_Load(t *testing.T) {
	pd, err := Parser{}.Load(context.Background(), samplePaymentData)
	require.NoError(t, err)

	assert.Equal(t, PaymentData{
		Token:       `{"id":"tok_123"}`,
		TokenType:   "PAYMENT_GATEWAY",
		CardNetwork: "VISA",
		CardDetails: "1111",
		Email:       "buyer@example.com",
	}, pd)
}

func TestParser_LoadRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "tok_123"},
		{name: "no token", raw: `{"paymentMethodData":{"tokenizationData":{"type":"PAYMENT_GATEWAY"}}}`},
		{name: "wrong type", raw: `{"paymentMethodData":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parser{}.Load(context.Background(), tt.raw)
			require.Error(t, err)
		})
	}
}

func TestInitiate(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		client    *mockClient
		want      payment.Outcome
		wantCalls int
		wantSheet bool
	}{
		{
			name:      "approved",
			token:     samplePaymentData,
			client:    &mockClient{conf: Confirmation{ID: "gp_1", Approved: true}},
			want:      payment.Succeeded("gp_1"),
			wantCalls: 1,
		},
		{
			name:      "declined",
			token:     samplePaymentData,
			client:    &mockClient{conf: Confirmation{ID: "gp_2", Message: "Insufficient funds"}},
			want:      payment.Declined("Insufficient funds").WithReference("gp_2"),
			wantCalls: 1,
		},
		{
			name:      "no payment data yet",
			client:    &mockClient{},
			want:      payment.Invalid("Google Pay payment data missing"),
			wantSheet: true,
		},
		{
			name:      "server confirmation error",
			token:     samplePaymentData,
			client:    &mockClient{err: &payment.ProviderError{Status: 502, Message: "bad gateway"}},
			want:      payment.Errored("bad gateway"),
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sheet bool
			req := request(tt.token)
			req.OnAction = func(a payment.Action) { sheet = a.Kind == payment.ActionPresentSheet }

			out := New(Parser{}, tt.client).Initiate(context.Background(), req)

			assert.Equal(t, tt.want, out)
			assert.Equal(t, tt.wantSheet, sheet)
			require.Len(t, tt.client.calls, tt.wantCalls)
			if tt.wantCalls > 0 {
				assert.Equal(t, `{"id":"tok_123"}`, tt.client.calls[0].Token)
				assert.Equal(t, int64(2050), tt.client.calls[0].Amount)
				assert.Equal(t, "buyer@example.com", tt.client.calls[0].Email)
			}
		})
	}
}

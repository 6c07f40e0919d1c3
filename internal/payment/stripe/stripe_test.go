package stripe

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/payment"
)

// --- Mock implementations ---

type mockClient struct {
	created    []IntentParams
	confirmed  []string
	createErr  error
	confirm    Intent
	confirmErr error
}

func (m *mockClient) CreateIntent(_ context.Context, p IntentParams) (Intent, error) {
	m.created = append(m.created, p)
	if m.createErr != nil {
		return Intent{}, m.createErr
	}
	return Intent{ID: "pi_123", ClientSecret: "pi_123_secret", Status: "requires_confirmation"}, nil
}

func (m *mockClient) ConfirmIntent(_ context.Context, intentID, paymentMethodID string) (Intent, error) {
	m.confirmed = append(m.confirmed, intentID+"/"+paymentMethodID)
	if m.confirmErr != nil {
		return Intent{}, m.confirmErr
	}
	return m.confirm, nil
}

// --- Helpers ---

func request() payment.Request {
	return payment.Request{
		SessionID:      "s1",
		Amount:         decimal.RequireFromString("59.99"),
		Currency:       "usd",
		Billing:        payment.Billing{Name: "Ann", Email: "ann@example.com"},
		IdempotencyKey: "idem-1",
		Token:          "pm_card_visa",
	}
}

// --- Tests ---

func TestInitiate_Succeeds(t *testing.T) {
	client := &mockClient{confirm: Intent{ID: "pi_123", Status: StatusSucceeded}}
	a := New(client)

	out := a.Initiate(context.Background(), request())

	assert.Equal(t, payment.Succeeded("pi_123"), out)
	require.Len(t, client.created, 1)
	assert.Equal(t, int64(5999), client.created[0].Amount)
	assert.Equal(t, "idem-1", client.created[0].IdempotencyKey)
	assert.Equal(t, []string{"pi_123/pm_card_visa"}, client.confirmed)
}

func TestInitiate_Failures(t *testing.T) {
	tests := []struct {
		name     string
		client   *mockClient
		req      func(r payment.Request) payment.Request
		wantKind payment.FailureKind
		wantMsg  string
		confirms int
	}{
		{
			name:     "missing token",
			client:   &mockClient{},
			req:      func(r payment.Request) payment.Request { r.Token = ""; return r },
			wantKind: payment.KindInvalidRequest,
		},
		{
			name:     "create fails",
			client:   &mockClient{createErr: &payment.ProviderError{Status: 500, Message: "api down"}},
			wantKind: payment.KindProviderError,
			wantMsg:  "api down",
		},
		{
			name:     "declined verbatim",
			client:   &mockClient{confirmErr: &payment.ProviderError{Status: 402, Code: "card_declined", Message: "card_declined"}},
			wantKind: payment.KindDeclined,
			wantMsg:  "card_declined",
			confirms: 1,
		},
		{
			name:     "network error on confirm",
			client:   &mockClient{confirmErr: errors.New("connection reset")},
			wantKind: payment.KindProviderError,
			wantMsg:  "connection reset",
			confirms: 1,
		},
		{
			name:     "requires payment method",
			client:   &mockClient{confirm: Intent{ID: "pi_123", Status: "requires_payment_method", LastError: "Your card has insufficient funds."}},
			wantKind: payment.KindDeclined,
			wantMsg:  "Your card has insufficient funds.",
			confirms: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			if tt.req != nil {
				req = tt.req(req)
			}

			out := New(tt.client).Initiate(context.Background(), req)

			assert.False(t, out.Success)
			assert.Equal(t, tt.wantKind, out.Kind)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, out.ErrorMessage)
			}
			assert.Len(t, tt.client.confirmed, tt.confirms, "no retry")
		})
	}
}

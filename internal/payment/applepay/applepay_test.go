package applepay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/payment"
)

const validationURL = "https://apple-pay-gateway.apple.com/paymentservices/startSession"

// --- Mock implementations ---

type fakeValidator struct {
	calls atomic.Int32
	err   error
}

func (v *fakeValidator) Validate(context.Context, string) ([]byte, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	return []byte(`{"merchantSessionIdentifier":"ms_1"}`), nil
}

type fakeProcessor struct {
	calls   atomic.Int32
	release chan struct{}
	result  Result
	err     error
}

func (p *fakeProcessor) Process(ctx context.Context, _ ProcessParams) (Result, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return p.result, p.err
}

// --- Helpers ---

type harness struct {
	broker    *Broker
	validator *fakeValidator
	processor *fakeProcessor
	outcome   chan payment.Outcome
	cancel    context.CancelFunc
}

func start(t *testing.T, validator *fakeValidator, processor *fakeProcessor) *harness {
	t.Helper()
	h := &harness{
		broker:    NewBroker(),
		validator: validator,
		processor: processor,
		outcome:   make(chan payment.Outcome, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	a := New(h.broker, validator, processor)
	req := payment.Request{
		SessionID:      "s1",
		Amount:         decimal.RequireFromString("59.99"),
		Currency:       "usd",
		Billing:        payment.Billing{Name: "Ann", Email: "ann@example.com"},
		IdempotencyKey: "idem-1",
	}
	go func() { h.outcome <- a.Initiate(ctx, req) }()

	require.Eventually(t, func() bool { return h.broker.Active("s1") }, time.Second, time.Millisecond)
	return h
}

func (h *harness) wait(t *testing.T) payment.Outcome {
	t.Helper()
	select {
	case out := <-h.outcome:
		return out
	case <-time.After(time.Second):
		t.Fatal("adapter did not finish")
		return payment.Outcome{}
	}
}

// --- Tests ---

func TestInitiate_ValidateThenAuthorize(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{}, &fakeProcessor{result: Result{ID: "ap_1", Approved: true}})

	ms, err := h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"merchantSessionIdentifier":"ms_1"}`, string(ms))

	approved, err := h.broker.Authorize(ctx, "s1", "token-data")
	require.NoError(t, err)
	assert.True(t, approved)

	assert.Equal(t, payment.Succeeded("ap_1"), h.wait(t))
	assert.False(t, h.broker.Active("s1"))
}

func TestInitiate_AuthorizeBeforeValidationIsRejected(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{}, &fakeProcessor{result: Result{ID: "ap_1", Approved: true}})

	_, err := h.broker.Authorize(ctx, "s1", "token-data")
	require.ErrorIs(t, err, ErrNotValidated)
	assert.Zero(t, h.processor.calls.Load())

	_, err = h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.NoError(t, err)
	approved, err := h.broker.Authorize(ctx, "s1", "token-data")
	require.NoError(t, err)
	assert.True(t, approved)
	assert.True(t, h.wait(t).Success)
}

func TestInitiate_CancelIsDistinctOutcome(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{}, &fakeProcessor{})

	_, err := h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.NoError(t, err)
	require.NoError(t, h.broker.Cancel(ctx, "s1"))

	out := h.wait(t)
	assert.False(t, out.Success)
	assert.Equal(t, payment.KindCancelled, out.Kind)
	assert.Zero(t, h.processor.calls.Load())
}

func TestInitiate_MerchantValidationFailureAborts(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{err: errors.New("certificate rejected")}, &fakeProcessor{})

	_, err := h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.Error(t, err)

	out := h.wait(t)
	assert.Equal(t, payment.KindProviderError, out.Kind)
	assert.Contains(t, out.ErrorMessage, "certificate rejected")

	_, err = h.broker.Authorize(ctx, "s1", "token-data")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestInitiate_ForeignValidationURL(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{}, &fakeProcessor{})

	_, err := h.broker.ValidateMerchant(ctx, "s1", "https://evil.example/startSession")
	require.ErrorIs(t, err, ErrInvalidValidationURL)

	assert.Equal(t, payment.KindInvalidRequest, h.wait(t).Kind)
	assert.Zero(t, h.validator.calls.Load())
}

func TestInitiate_Declined(t *testing.T) {
	ctx := context.Background()
	h := start(t, &fakeValidator{}, &fakeProcessor{result: Result{ID: "ap_2", Message: "Card declined"}})

	_, err := h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.NoError(t, err)
	approved, err := h.broker.Authorize(ctx, "s1", "token-data")
	require.NoError(t, err)
	assert.False(t, approved)

	assert.Equal(t, payment.Declined("Card declined").WithReference("ap_2"), h.wait(t))
}

func TestInitiate_DuplicateAuthorizationProcessedOnce(t *testing.T) {
	ctx := context.Background()
	processor := &fakeProcessor{release: make(chan struct{}), result: Result{ID: "ap_1", Approved: true}}
	h := start(t, &fakeValidator{}, processor)

	_, err := h.broker.ValidateMerchant(ctx, "s1", validationURL)
	require.NoError(t, err)

	type result struct {
		approved bool
		err      error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			approved, err := h.broker.Authorize(ctx, "s1", "token-data")
			results <- result{approved, err}
		}()
	}

	require.Eventually(t, func() bool { return processor.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(processor.release)
	wg.Wait()
	close(results)

	var approvedCount, closedCount int
	for r := range results {
		switch {
		case r.err == nil && r.approved:
			approvedCount++
		case errors.Is(r.err, ErrSessionClosed), errors.Is(r.err, ErrNoSession):
			closedCount++
		}
	}
	assert.Equal(t, 1, approvedCount)
	assert.Equal(t, 1, closedCount)
	assert.Equal(t, int32(1), processor.calls.Load())
	assert.True(t, h.wait(t).Success)
}

func TestInitiate_ContextCancelClosesSession(t *testing.T) {
	h := start(t, &fakeValidator{}, &fakeProcessor{})

	h.cancel()

	assert.Equal(t, payment.KindCancelled, h.wait(t).Kind)
	assert.False(t, h.broker.Active("s1"))
}

func TestBroker_OpenTwice(t *testing.T) {
	b := NewBroker()
	s, err := b.Open(context.Background(), "s1")
	require.NoError(t, err)

	_, err = b.Open(context.Background(), "s1")
	require.ErrorIs(t, err, ErrSessionActive)

	s.Close()
	s.Close()
	_, err = b.Open(context.Background(), "s1")
	require.NoError(t, err)
}

func TestCheckValidationURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{url: validationURL, ok: true},
		{url: "https://apple.com/start", ok: true},
		{url: "http://apple-pay-gateway.apple.com/start"},
		{url: "https://apple.com.evil.example/start"},
		{url: "https://notapple.com/start"},
		{url: "::"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := CheckValidationURL(tt.url)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidValidationURL)
		})
	}
}

package safekey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/payment"
)

// --- Mock implementations ---

type scriptedClient struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
	calls    int
	initErr  error
}

func (c *scriptedClient) Initiate(context.Context, InitiateParams) (Challenge, error) {
	if c.initErr != nil {
		return Challenge{}, c.initErr
	}
	return Challenge{ID: "sk_1", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

// Status returns the scripted statuses in order and repeats the last one.
func (c *scriptedClient) Status(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	}
	return c.statuses[i], nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// --- Helpers ---

var fastPoll = payment.PollConfig{Interval: time.Millisecond, Timeout: 40 * time.Millisecond}

func request(actions *[]payment.Action) payment.Request {
	return payment.Request{
		SessionID:      "s1",
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "usd",
		Billing:        payment.Billing{Name: "Ann", Email: "ann@example.com"},
		IdempotencyKey: "idem-1",
		OnAction:       func(a payment.Action) { *actions = append(*actions, a) },
	}
}

// --- Tests ---

func TestInitiate_ApprovedAfterPending(t *testing.T) {
	client := &scriptedClient{statuses: []string{StatusPending, StatusPending, StatusApproved}}
	var actions []payment.Action

	out := New(client, fastPoll).Initiate(context.Background(), request(&actions))

	assert.Equal(t, payment.Succeeded("sk_1"), out)
	assert.Equal(t, 3, client.callCount())
	require.Len(t, actions, 1)
	assert.Equal(t, payment.ActionAwaitApproval, actions[0].Kind)
	assert.Equal(t, "sk_1", actions[0].Reference)
}

func TestInitiate_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		client   *scriptedClient
		wantKind payment.FailureKind
	}{
		{name: "never approved", client: &scriptedClient{statuses: []string{StatusPending}}, wantKind: payment.KindTimeout},
		{name: "expired", client: &scriptedClient{statuses: []string{StatusPending, StatusExpired}}, wantKind: payment.KindTimeout},
		{name: "rejected", client: &scriptedClient{statuses: []string{StatusRejected}}, wantKind: payment.KindDeclined},
		{name: "initiate fails", client: &scriptedClient{initErr: &payment.ProviderError{Status: 400, Message: "card not enrolled"}}, wantKind: payment.KindProviderError},
		{
			name: "status endpoint keeps failing",
			client: &scriptedClient{
				statuses: []string{StatusPending},
				errs:     []error{errors.New("503"), errors.New("503"), errors.New("503")},
			},
			wantKind: payment.KindProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actions []payment.Action
			out := New(tt.client, fastPoll).Initiate(context.Background(), request(&actions))

			assert.False(t, out.Success)
			assert.Equal(t, tt.wantKind, out.Kind)
		})
	}
}

func TestInitiate_TransientStatusErrorsAreTolerated(t *testing.T) {
	client := &scriptedClient{
		statuses: []string{StatusPending, StatusPending, StatusApproved},
		errs:     []error{errors.New("reset"), nil, nil},
	}
	var actions []payment.Action

	out := New(client, fastPoll).Initiate(context.Background(), request(&actions))

	assert.True(t, out.Success)
}

func TestInitiate_TimeoutStopsPolling(t *testing.T) {
	client := &scriptedClient{statuses: []string{StatusPending}}
	var actions []payment.Action

	out := New(client, fastPoll).Initiate(context.Background(), request(&actions))
	require.Equal(t, payment.KindTimeout, out.Kind)
	assert.Equal(t, "Payment verification timed out", out.UserMessage())

	calls := client.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, client.callCount())
}

func TestInitiate_CancelStopsPolling(t *testing.T) {
	client := &scriptedClient{statuses: []string{StatusPending}}
	ctx, cancel := context.WithCancel(context.Background())
	var actions []payment.Action

	done := make(chan payment.Outcome)
	go func() {
		done <- New(client, payment.PollConfig{Interval: time.Millisecond, Timeout: time.Minute}).
			Initiate(ctx, request(&actions))
	}()

	require.Eventually(t, func() bool { return client.callCount() > 2 }, time.Second, time.Millisecond)
	cancel()

	out := <-done
	assert.Equal(t, payment.KindCancelled, out.Kind)
	calls := client.callCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, calls, client.callCount())
}

func TestNew_Defaults(t *testing.T) {
	a := New(&scriptedClient{}, payment.PollConfig{})
	assert.Equal(t, DefaultInterval, a.poll.Interval)
	assert.Equal(t, DefaultTimeout, a.poll.Timeout)
}

// Package checkout implements the checkout session state machine. A session
// collects an address and shipping rate, freezes the cart total on the first
// payment attempt, runs one payment adapter per attempt and records the order
// once per captured payment.
package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/incident"
	"github.com/xenking/kart-checkout/internal/payment"
)

// OrderCreator records orders. Create is called at most once per captured
// payment.
type OrderCreator interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
}

// Config holds checkout settings.
type Config struct {
	Currency string
	Parcel   shipping.Parcel
	// AttemptTimeout bounds a single payment attempt. Zero means no bound
	// beyond the adapter's own.
	AttemptTimeout time.Duration
	// SettleTimeout bounds order creation after a captured payment.
	SettleTimeout time.Duration
}

const defaultSettleTimeout = 30 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *Orchestrator) { o.lg = lg }
}

// WithMeterProvider sets the meter provider for outcome counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for attempt spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("checkout") }
}

// Orchestrator owns the active checkout sessions, at most one per user.
type Orchestrator struct {
	adapters  *payment.Registry
	orders    OrderCreator
	quoter    shipping.Quoter
	incidents incident.Recorder
	cfg       Config

	lg            *zap.Logger
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	outcomes      metric.Int64Counter
	unrecorded    metric.Int64Counter
	now           func() time.Time
	newID         func() string

	// base parents background attempts; stop cancels them on Close.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	// inflight counts attempts between begin and finish, abandoned ones
	// included.
	inflight atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string]string
	closed   bool
}

// New creates an Orchestrator.
func New(
	cfg Config,
	adapters *payment.Registry,
	orders OrderCreator,
	quoter shipping.Quoter,
	incidents incident.Recorder,
	opts ...Option,
) (*Orchestrator, error) {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	o := &Orchestrator{
		adapters:      adapters,
		orders:        orders,
		quoter:        quoter,
		incidents:     incidents,
		cfg:           cfg,
		lg:            zap.NewNop(),
		meterProvider: metricnoop.NewMeterProvider(),
		tracer:        tracenoop.NewTracerProvider().Tracer("checkout"),
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
		sessions:      make(map[string]*session),
		byUser:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base, o.stop = context.WithCancel(context.Background())

	meter := o.meterProvider.Meter("checkout")
	var err error
	if o.outcomes, err = meter.Int64Counter("checkout.payment.outcomes",
		metric.WithDescription("Payment attempt outcomes by method and kind"),
	); err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	if o.unrecorded, err = meter.Int64Counter("checkout.orders.unrecorded",
		metric.WithDescription("Captured payments without a recorded order"),
	); err != nil {
		return nil, errors.Wrap(err, "create unrecorded counter")
	}
	return o, nil
}

// Start opens a checkout for the user's cart. Any previous session of the
// user is abandoned.
func (o *Orchestrator) Start(_ context.Context, userID string, c *cart.Cart) (Session, error) {
	if c.Snapshot().Empty() {
		return Session{}, ErrEmptyCart
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return Session{}, ErrClosed
	}
	if prev, ok := o.sessions[o.byUser[userID]]; ok {
		if err := o.abandonLocked(prev); err != nil {
			return Session{}, err
		}
	}

	now := o.now()
	s := &session{
		Session: Session{
			ID:        o.newID(),
			UserID:    userID,
			Status:    StatusCollectingAddress,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cart: c,
	}
	o.sessions[s.ID] = s
	o.byUser[userID] = s.ID

	o.lg.Debug("Checkout started", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s.view(), nil
}

// Methods returns the payment methods that can be selected, in display order.
func (o *Orchestrator) Methods() []payment.Method {
	return o.adapters.Methods()
}

// Get returns the session with the given id.
func (o *Orchestrator) Get(_ context.Context, id string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// SubmitAddress sets the shipping address and fetches rates for it.
func (o *Orchestrator) SubmitAddress(ctx context.Context, id string, addr shipping.Address) (Session, error) {
	if err := addr.Validate(); err != nil {
		return Session{}, &ValidationError{Field: "address", Message: err.Error()}
	}

	o.mu.Lock()
	_, err := o.editableLocked(id, "change the address")
	o.mu.Unlock()
	if err != nil {
		return Session{}, err
	}

	rates, err := o.quoter.Quote(ctx, addr, o.cfg.Parcel)
	if err != nil {
		return Session{}, errors.Wrap(err, "quote shipping")
	}
	if len(rates) == 0 {
		return Session{}, ErrNoRates
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// The session may have moved on while rates were fetched.
	s, err := o.editableLocked(id, "change the address")
	if err != nil {
		return Session{}, err
	}
	s.Address = &addr
	s.Rates = rates
	s.Shipping = nil
	s.Status = StatusCollectingAddress
	s.UpdatedAt = o.now()
	return s.view(), nil
}

// editableLocked returns a session whose address and shipping may change.
func (o *Orchestrator) editableLocked(id, op string) (*session, error) {
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Frozen {
		return nil, ErrShippingLocked
	}
	switch s.Status {
	case StatusCollectingAddress, StatusSelectingPayment:
		return s, nil
	default:
		return nil, &TransitionError{Op: op, Status: s.Status}
	}
}

// SelectShipping picks one of the quoted rates by index.
func (o *Orchestrator) SelectShipping(_ context.Context, id string, index int) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.editableLocked(id, "select shipping")
	if err != nil {
		return Session{}, err
	}
	if len(s.Rates) == 0 {
		return Session{}, &ValidationError{Field: "shipping", Message: "submit an address first"}
	}
	if index < 0 || index >= len(s.Rates) {
		return Session{}, &ValidationError{Field: "shipping", Message: "unknown rate"}
	}
	sel := s.Rates[index].Select()
	s.Shipping = &sel
	s.Status = StatusSelectingPayment
	s.UpdatedAt = o.now()
	return s.view(), nil
}

// payableLocked returns a session whose billing and method may change.
// A failed session returns to selecting_payment.
func (o *Orchestrator) payableLocked(id, op string) (*session, error) {
	s, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch s.Status {
	case StatusSelectingPayment, StatusFailed:
		return s, nil
	default:
		return nil, &TransitionError{Op: op, Status: s.Status}
	}
}

// SetBilling sets the billing identity.
func (o *Orchestrator) SetBilling(_ context.Context, id string, b BillingIdentity) (Session, error) {
	b = b.normalized()
	if err := b.Validate(); err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.payableLocked(id, "change billing")
	if err != nil {
		return Session{}, err
	}
	s.Billing = b
	s.Status = StatusSelectingPayment
	s.UpdatedAt = o.now()
	return s.view(), nil
}

// SelectPaymentMethod chooses the payment method of the next attempt.
func (o *Orchestrator) SelectPaymentMethod(_ context.Context, id string, m payment.Method) (Session, error) {
	if _, ok := o.adapters.Lookup(m); !ok {
		return Session{}, errors.Wrapf(ErrMethodUnavailable, "%s", m)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.payableLocked(id, "change payment method")
	if err != nil {
		return Session{}, err
	}
	s.Method = m
	s.Status = StatusSelectingPayment
	s.UpdatedAt = o.now()
	return s.view(), nil
}

// AuthorizeInput is the browser data of a payment attempt.
type AuthorizeInput struct {
	Token string
}

// attempt is a single run of an adapter.
type attempt struct {
	s       *session
	number  int
	adapter payment.Adapter
	req     payment.Request
	ctx     context.Context
	cancel  context.CancelFunc
}

// Authorize runs a payment attempt and waits for its outcome. A failed
// payment is not an error: the session moves to failed and may be retried.
func (o *Orchestrator) Authorize(ctx context.Context, id string, in AuthorizeInput) (Session, error) {
	att, err := o.begin(ctx, id, in, false)
	if err != nil {
		return Session{}, err
	}
	out := o.run(att)
	return o.finish(att, out)
}

// AuthorizeAsync starts a payment attempt in the background and returns the
// session in authorizing. The attempt keeps the values of ctx but not its
// cancellation; it is stopped by Abandon or Close.
func (o *Orchestrator) AuthorizeAsync(ctx context.Context, id string, in AuthorizeInput) (Session, error) {
	att, err := o.begin(context.WithoutCancel(ctx), id, in, true)
	if err != nil {
		return Session{}, err
	}
	stopOnClose := context.AfterFunc(o.base, att.cancel)

	o.mu.Lock()
	v := att.s.view()
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer stopOnClose()

		out := o.run(att)
		if _, err := o.finish(att, out); err != nil && !errors.Is(err, ErrAbandoned) {
			o.lg.Error("Background payment attempt", zap.String("session_id", id), zap.Error(err))
		}
	}()

	o.lg.Debug("Payment attempt started", zap.String("session_id", id), zap.Stringer("method", v.Method))
	return v, nil
}

// begin validates the preconditions of an attempt, freezes the totals on the
// first one and moves the session to authorizing. Background attempts are
// added to the wait group under the lock, so Close never misses one.
func (o *Orchestrator) begin(parent context.Context, id string, in AuthorizeInput, background bool) (*attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	s, err := o.payableLocked(id, "authorize payment")
	if err != nil {
		return nil, err
	}
	if s.Shipping == nil {
		return nil, &ValidationError{Field: "shipping", Message: "select a shipping rate"}
	}
	if err := s.Billing.Validate(); err != nil {
		return nil, err
	}
	if s.Method == "" {
		return nil, &ValidationError{Field: "method", Message: "select a payment method"}
	}
	adapter, ok := o.adapters.Lookup(s.Method)
	if !ok {
		return nil, errors.Wrapf(ErrMethodUnavailable, "%s", s.Method)
	}

	if !s.Frozen {
		snap := s.cart.Snapshot()
		if snap.Empty() {
			return nil, ErrEmptyCart
		}
		s.CartSnapshot = snap
		s.GrandTotal = snap.Total.Add(s.Shipping.Rate)
		s.IdempotencyKey = o.newID()
		s.Frozen = true
	}

	s.Status = StatusAuthorizing
	s.Attempts++
	s.PendingAction = nil
	s.LastOutcome = nil
	s.UpdatedAt = o.now()

	ctx, cancel := context.WithCancel(parent)
	if o.cfg.AttemptTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		parentCancel := cancel
		cancel = func() {
			cancelTimeout()
			parentCancel()
		}
	}
	s.cancel = cancel

	att := &attempt{
		s:       s,
		number:  s.Attempts,
		adapter: adapter,
		ctx:     ctx,
		cancel:  cancel,
	}
	att.req = payment.Request{
		SessionID:      s.ID,
		Amount:         s.GrandTotal,
		Currency:       o.cfg.Currency,
		Billing:        payment.Billing{Name: s.Billing.Name, Email: s.Billing.Email},
		IdempotencyKey: attemptKey(s.IdempotencyKey, s.Attempts),
		Token:          in.Token,
		OnAction:       func(a payment.Action) { o.setAction(att, a) },
	}
	if background {
		o.wg.Add(1)
	}
	o.inflight.Add(1)
	return att, nil
}

// attemptKey derives the provider idempotency key of an attempt. The session
// key itself is reserved for the order.
func attemptKey(sessionKey string, attempt int) string {
	return fmt.Sprintf("%s-%d", sessionKey, attempt)
}

func (o *Orchestrator) setAction(att *attempt, a payment.Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if att.s.Attempts == att.number && att.s.Status == StatusAuthorizing {
		att.s.PendingAction = &a
		att.s.UpdatedAt = o.now()
	}
}

// run calls the adapter without holding the lock.
func (o *Orchestrator) run(att *attempt) payment.Outcome {
	method := att.adapter.Method()
	ctx, span := o.tracer.Start(att.ctx, "checkout.authorize", trace.WithAttributes(
		attribute.String("payment.method", method.String()),
		attribute.String("checkout.session_id", att.s.ID),
		attribute.Int("checkout.attempt", att.number),
	))
	defer span.End()

	out := initiate(ctx, att.adapter, att.req)

	kind := "success"
	if !out.Success {
		kind = string(out.Kind)
		span.SetStatus(codes.Error, out.ErrorMessage)
	}
	span.SetAttributes(attribute.String("payment.outcome", kind))
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method.String()),
		attribute.String("kind", kind),
	))
	return out
}

// initiate shields the orchestrator from a panicking adapter.
func initiate(ctx context.Context, a payment.Adapter, req payment.Request) (out payment.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = payment.Errored("payment provider failed unexpectedly")
		}
	}()
	return a.Initiate(ctx, req)
}

// finish applies an attempt's outcome. A success is accepted once per session;
// any further success report is ignored.
func (o *Orchestrator) finish(att *attempt, out payment.Outcome) (Session, error) {
	att.cancel()
	defer o.inflight.Add(-1)

	o.mu.Lock()
	s := att.s
	if s.Attempts == att.number {
		s.cancel = nil
	}
	lg := o.lg.With(
		zap.String("session_id", s.ID),
		zap.Stringer("method", att.adapter.Method()),
		zap.Int("attempt", att.number),
	)

	if !out.Success {
		defer o.mu.Unlock()
		if s.abandoned {
			lg.Info("Payment attempt ended after abandonment", zap.Stringer("outcome", out))
			return s.view(), ErrAbandoned
		}
		if s.settled || s.Attempts != att.number {
			return s.view(), nil
		}
		s.LastOutcome = &out
		s.PendingAction = nil
		s.UpdatedAt = o.now()
		if out.Kind == payment.KindCancelled {
			// The user backed out; the method may be changed or retried as is.
			s.Status = StatusSelectingPayment
			lg.Info("Payment attempt cancelled")
			return s.view(), nil
		}
		s.Status = StatusFailed
		lg.Info("Payment attempt failed",
			zap.String("kind", string(out.Kind)),
			zap.String("message", out.ErrorMessage),
		)
		return s.view(), nil
	}

	if s.settled {
		v := s.view()
		o.mu.Unlock()
		lg.Warn("Duplicate payment success ignored", zap.String("provider_reference", out.ProviderReference))
		return v, nil
	}
	s.settled = true
	s.settling = true
	s.LastOutcome = &out
	s.PendingAction = nil
	s.UpdatedAt = o.now()
	if s.abandoned {
		lg.Warn("Payment captured after abandonment, recording order",
			zap.String("provider_reference", out.ProviderReference))
	}
	req := o.orderRequest(s, out)
	o.mu.Unlock()

	return o.settle(att.ctx, s, req, out, lg)
}

func (o *Orchestrator) orderRequest(s *session, out payment.Outcome) order.CreateRequest {
	items := make([]order.Item, 0, len(s.CartSnapshot.Lines))
	for _, l := range s.CartSnapshot.Lines {
		items = append(items, order.Item{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		})
	}
	req := order.CreateRequest{
		UserID:           s.UserID,
		Items:            items,
		Total:            s.GrandTotal,
		ShippingRate:     *s.Shipping,
		PaymentMethod:    s.Method.String(),
		PaymentReference: out.ProviderReference,
		BillingName:      s.Billing.Name,
		BillingEmail:     s.Billing.Email,
		IdempotencyKey:   s.IdempotencyKey,
	}
	if s.Address != nil {
		req.ShippingAddress = *s.Address
	}
	return req
}

// settle is the only caller of OrderCreator.Create. The money has moved, so
// order creation is detached from the attempt's cancellation.
func (o *Orchestrator) settle(
	attemptCtx context.Context,
	s *session,
	req order.CreateRequest,
	out payment.Outcome,
	lg *zap.Logger,
) (Session, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(attemptCtx), o.cfg.SettleTimeout)
	defer cancel()

	created, err := o.orders.Create(ctx, req)

	o.mu.Lock()
	s.settling = false
	s.UpdatedAt = o.now()
	if err != nil {
		s.Status = StatusOrderUnrecorded
		v := s.view()
		o.mu.Unlock()

		o.unrecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.PaymentMethod)))
		lg.Error("Payment captured but order not recorded",
			zap.String("provider_reference", out.ProviderReference),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Stringer("amount", req.Total),
			zap.Error(err),
		)
		inc := incident.Incident{
			SessionID:         s.ID,
			UserID:            s.UserID,
			Method:            req.PaymentMethod,
			ProviderReference: out.ProviderReference,
			Amount:            req.Total,
			Currency:          o.cfg.Currency,
			IdempotencyKey:    req.IdempotencyKey,
			Reason:            err.Error(),
			OccurredAt:        o.now().UTC(),
		}
		if recErr := o.incidents.Record(ctx, inc); recErr != nil {
			lg.Error("Record incident", zap.Error(recErr))
		}
		return v, &OrderNotRecordedError{
			SessionID:         s.ID,
			ProviderReference: out.ProviderReference,
			Amount:            req.Total,
			Err:               err,
		}
	}

	s.Status = StatusConfirmed
	s.OrderID = created.ID
	v := s.view()
	o.mu.Unlock()

	s.cart.Subtract(ctx, s.CartSnapshot)
	lg.Info("Order confirmed",
		zap.String("order_id", created.ID),
		zap.String("provider_reference", out.ProviderReference),
	)
	return v, nil
}

// Abandon discards the session and stops its in-flight attempt. It is refused
// while an order is being recorded.
func (o *Orchestrator) Abandon(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return o.abandonLocked(s)
}

func (o *Orchestrator) abandonLocked(s *session) error {
	if s.settling {
		return ErrSettling
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.abandoned = true
	delete(o.sessions, s.ID)
	if o.byUser[s.UserID] == s.ID {
		delete(o.byUser, s.UserID)
	}
	o.lg.Debug("Checkout abandoned", zap.String("session_id", s.ID), zap.Stringer("status", s.Status))
	return nil
}

// InFlight returns the number of payment attempts currently running,
// including abandoned attempts whose adapter has not returned yet.
func (o *Orchestrator) InFlight() int {
	return int(o.inflight.Load())
}

// Close cancels every in-flight attempt and waits for background attempts to
// finish. Orders of payments captured before Close are still recorded.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, s := range o.sessions {
		if s.cancel != nil {
			s.cancel()
		}
	}
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

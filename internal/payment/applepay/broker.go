package applepay

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
)

var (
	// ErrNoSession is returned for events of a checkout session without an
	// open payment sheet.
	ErrNoSession = errors.New("no Apple Pay session")
	// ErrSessionActive is returned by Open when the checkout session already
	// has an open sheet.
	ErrSessionActive = errors.New("Apple Pay session already open")
	// ErrSessionClosed is returned when the sheet closed before the event was
	// answered.
	ErrSessionClosed = errors.New("Apple Pay session closed")
)

// Broker connects sheet callbacks posted over HTTP to the adapter waiting in
// Initiate. Each dispatch blocks until the adapter replies.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*brokerSession
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{sessions: make(map[string]*brokerSession)}
}

var _ SessionOpener = (*Broker)(nil)

type brokerSession struct {
	id     string
	broker *Broker
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *brokerSession) Events() <-chan Event {
	return s.events
}

func (s *brokerSession) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
}

// Open registers the sheet of sessionID.
func (b *Broker) Open(_ context.Context, sessionID string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[sessionID]; ok {
		return nil, ErrSessionActive
	}
	s := &brokerSession{
		id:     sessionID,
		broker: b,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	b.sessions[sessionID] = s
	return s, nil
}

func (b *Broker) remove(s *brokerSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
}

// Active reports whether sessionID has an open sheet.
func (b *Broker) Active(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[sessionID]
	return ok
}

// ValidateMerchant forwards onvalidatemerchant and returns the merchant
// session.
func (b *Broker) ValidateMerchant(ctx context.Context, sessionID, validationURL string) ([]byte, error) {
	r, err := b.dispatch(ctx, sessionID, Event{Kind: EventValidateMerchant, ValidationURL: validationURL})
	if err != nil {
		return nil, err
	}
	return r.MerchantSession, r.Err
}

// Authorize forwards onpaymentauthorized and reports whether the payment was
// approved.
func (b *Broker) Authorize(ctx context.Context, sessionID, token string) (bool, error) {
	r, err := b.dispatch(ctx, sessionID, Event{Kind: EventAuthorize, Token: token})
	if err != nil {
		return false, err
	}
	return r.Approved, r.Err
}

// Cancel forwards oncancel.
func (b *Broker) Cancel(ctx context.Context, sessionID string) error {
	_, err := b.dispatch(ctx, sessionID, Event{Kind: EventCancel})
	return err
}

func (b *Broker) dispatch(ctx context.Context, sessionID string, ev Event) (Reply, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return Reply{}, ErrNoSession
	}

	reply := make(chan Reply, 1)
	ev.reply = reply

	select {
	case s.events <- ev:
	case <-s.done:
		return Reply{}, ErrSessionClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, nil
	case <-s.done:
		// The adapter replies before it closes the session.
		select {
		case r := <-reply:
			return r, nil
		default:
			return Reply{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

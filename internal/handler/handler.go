// Package handler serves the cart and checkout HTTP API.
package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/payment"
	"github.com/xenking/kart-checkout/internal/payment/applepay"
)

// UserHeader carries the authenticated user id, set by the session layer in
// front of this service.
const UserHeader = "X-User-ID"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Checkout is the checkout state machine served by the handler.
type Checkout interface {
	Methods() []payment.Method
	Start(ctx context.Context, userID string, c *cart.Cart) (checkout.Session, error)
	Get(ctx context.Context, id string) (checkout.Session, error)
	SubmitAddress(ctx context.Context, id string, addr shipping.Address) (checkout.Session, error)
	SelectShipping(ctx context.Context, id string, index int) (checkout.Session, error)
	SetBilling(ctx context.Context, id string, b checkout.BillingIdentity) (checkout.Session, error)
	SelectPaymentMethod(ctx context.Context, id string, m payment.Method) (checkout.Session, error)
	AuthorizeAsync(ctx context.Context, id string, in checkout.AuthorizeInput) (checkout.Session, error)
	Abandon(ctx context.Context, id string) error
}

var _ Checkout = (*checkout.Orchestrator)(nil)

// Messages returns the pending notifications of a cart key.
type Messages interface {
	Drain(key string) []string
}

// Handler serves the API, delegating to the cart registry and the checkout
// orchestrator.
type Handler struct {
	carts    *cart.Registry
	checkout Checkout
	applePay *applepay.Broker
	messages Messages
}

// New constructs a Handler. applePay and messages may be nil.
func New(carts *cart.Registry, co Checkout, applePay *applepay.Broker, messages Messages) *Handler {
	return &Handler{
		carts:    carts,
		checkout: co,
		applePay: applePay,
		messages: messages,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cart", h.withUser(h.getCart))
	mux.HandleFunc("POST /api/cart/items", h.withUser(h.addItem))
	mux.HandleFunc("PUT /api/cart/items/{productID}", h.withUser(h.updateItem))
	mux.HandleFunc("DELETE /api/cart/items/{productID}", h.withUser(h.removeItem))
	mux.HandleFunc("DELETE /api/cart", h.withUser(h.clearCart))

	mux.HandleFunc("GET /api/checkout/methods", h.withUser(h.listMethods))
	mux.HandleFunc("POST /api/checkout", h.withUser(h.startCheckout))
	mux.HandleFunc("GET /api/checkout/{id}", h.withSession(h.getCheckout))
	mux.HandleFunc("POST /api/checkout/{id}/address", h.withSession(h.submitAddress))
	mux.HandleFunc("POST /api/checkout/{id}/shipping", h.withSession(h.selectShipping))
	mux.HandleFunc("POST /api/checkout/{id}/billing", h.withSession(h.setBilling))
	mux.HandleFunc("POST /api/checkout/{id}/method", h.withSession(h.selectMethod))
	mux.HandleFunc("POST /api/checkout/{id}/authorize", h.withSession(h.authorize))
	mux.HandleFunc("DELETE /api/checkout/{id}", h.withSession(h.abandon))

	mux.HandleFunc("POST /api/checkout/{id}/applepay/validate", h.withSession(h.applePayValidate))
	mux.HandleFunc("POST /api/checkout/{id}/applepay/authorize", h.withSession(h.applePayAuthorize))
	mux.HandleFunc("POST /api/checkout/{id}/applepay/cancel", h.withSession(h.applePayCancel))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser rejects requests without a user id.
func (h *Handler) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user")
			return
		}
		next(w, r, userID)
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s checkout.Session)

// withSession loads the checkout session named in the path. Sessions of other
// users are reported as missing.
func (h *Handler) withSession(next sessionHandler) http.HandlerFunc {
	return h.withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
		s, err := h.checkout.Get(r.Context(), r.PathValue("id"))
		if err == nil && s.UserID != userID {
			err = checkout.ErrSessionNotFound
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next(w, r, s)
	})
}

// readBody reads a JSON request body. An empty body reads as {}.
func readBody(r *http.Request) (*jx.Decoder, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &badRequestError{msg: "request body too large or unreadable"}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		data = []byte("{}")
	}
	return jx.DecodeBytes(data), nil
}

// badRequestError is a malformed request.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(err error) error {
	return &badRequestError{msg: "malformed request body: " + err.Error()}
}

// fail maps err to a response. Unknown errors are logged and reported
// without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var (
		badReq     *badRequestError
		validation *checkout.ValidationError
		transition *checkout.TransitionError
		unrecorded *checkout.OrderNotRecordedError
		upstream   *payment.ProviderError
	)
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest, badReq.msg
	case errors.As(err, &unrecorded):
		return http.StatusBadGateway, unrecorded.UserMessage()
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, validation.Error()
	case errors.As(err, &transition):
		return http.StatusConflict, transition.Error()
	case errors.Is(err, checkout.ErrSessionNotFound),
		errors.Is(err, applepay.ErrNoSession):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, cart.ErrInvalidPrice),
		errors.Is(err, payment.ErrUnknownMethod),
		errors.Is(err, checkout.ErrMethodUnavailable),
		errors.Is(err, checkout.ErrNoRates),
		errors.Is(err, applepay.ErrInvalidValidationURL):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrShippingLocked),
		errors.Is(err, checkout.ErrSettling),
		errors.Is(err, applepay.ErrNotValidated),
		errors.Is(err, applepay.ErrAlreadyValidated),
		errors.Is(err, applepay.ErrSessionClosed):
		return http.StatusConflict, err.Error()
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "upstream provider error"
	case errors.Is(err, checkout.ErrClosed):
		return http.StatusServiceUnavailable, "service is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	body(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/payment"
)

func (h *Handler) listMethods(w http.ResponseWriter, _ *http.Request, _ string) {
	methods := h.checkout.Methods()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("methods", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, m := range methods {
						e.Str(m.String())
					}
				})
			})
		})
	})
}

func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request, userID string) {
	s, err := h.checkout.Start(r.Context(), userID, h.carts.Get(r.Context(), userID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSession(w, http.StatusCreated, s)
}

func (h *Handler) getCheckout(w http.ResponseWriter, _ *http.Request, s checkout.Session) {
	writeSession(w, http.StatusOK, s)
}

func (h *Handler) submitAddress(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var a shipping.Address
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "name":
			dst = &a.Name
		case "line1":
			dst = &a.Line1
		case "line2":
			dst = &a.Line2
		case "city":
			dst = &a.City
		case "state":
			dst = &a.State
		case "postalCode":
			dst = &a.PostalCode
		case "country":
			dst = &a.Country
		case "phone":
			dst = &a.Phone
		default:
			return d.Skip()
		}
		v, err := d.Str()
		*dst = v
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	h.respond(w, r)(h.checkout.SubmitAddress(r.Context(), s.ID, a))
}

func (h *Handler) selectShipping(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	index := -1
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "index" {
			return d.Skip()
		}
		var err error
		index, err = d.Int()
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	h.respond(w, r)(h.checkout.SelectShipping(r.Context(), s.ID, index))
}

func (h *Handler) setBilling(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var b checkout.BillingIdentity
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			b.Name, err = d.Str()
		case "email":
			b.Email, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	h.respond(w, r)(h.checkout.SetBilling(r.Context(), s.ID, b))
}

func (h *Handler) selectMethod(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var raw string
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "method" {
			return d.Skip()
		}
		var err error
		raw, err = d.Str()
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	m, err := payment.ParseMethod(raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r)(h.checkout.SelectPaymentMethod(r.Context(), s.ID, m))
}

// authorize starts the payment attempt in the background and answers 202.
// The browser follows the attempt by polling the session.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in checkout.AuthorizeInput
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "token", "paymentData":
			token, err := readToken(d)
			in.Token = token
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}

	s, err = h.checkout.AuthorizeAsync(r.Context(), s.ID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSession(w, http.StatusAccepted, s)
}

func (h *Handler) abandon(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	if err := h.checkout.Abandon(r.Context(), s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readToken reads a token given either as a string or as a JSON object, which
// is kept as raw JSON text.
func readToken(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	default:
		raw, err := d.Raw()
		if err != nil {
			return "", err
		}
		return raw.String(), nil
	}
}

// respond writes the session returned by an operation, or its error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(checkout.Session, error) {
	return func(s checkout.Session, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeSession(w, http.StatusOK, s)
	}
}

func writeSession(w http.ResponseWriter, status int, s checkout.Session) {
	writeJSON(w, status, func(e *jx.Encoder) { encodeSession(e, s) })
}

func encodeSession(e *jx.Encoder, s checkout.Session) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(s.ID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(s.Status.String()) })
		if s.Address != nil {
			e.Field("address", func(e *jx.Encoder) { encodeAddress(e, *s.Address) })
		}
		e.Field("rates", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i, r := range s.Rates {
					encodeRate(e, i, r.Carrier, r.Service, r.Rate.StringFixed(2), r.EstimatedDays)
				}
			})
		})
		if s.Shipping != nil {
			e.Field("shipping", func(e *jx.Encoder) {
				encodeRate(e, -1, s.Shipping.Carrier, s.Shipping.Service, s.Shipping.Rate.StringFixed(2), s.Shipping.EstimatedDays)
			})
		}
		e.Field("billing", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("name", func(e *jx.Encoder) { e.Str(s.Billing.Name) })
				e.Field("email", func(e *jx.Encoder) { e.Str(s.Billing.Email) })
			})
		})
		if s.Method != "" {
			e.Field("method", func(e *jx.Encoder) { e.Str(s.Method.String()) })
		}
		e.Field("cart", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("lines", func(e *jx.Encoder) { encodeLines(e, s.CartSnapshot.Lines) })
				e.Field("total", func(e *jx.Encoder) { e.Str(s.CartSnapshot.Total.StringFixed(2)) })
			})
		})
		e.Field("grandTotal", func(e *jx.Encoder) { e.Str(s.GrandTotal.StringFixed(2)) })
		e.Field("frozen", func(e *jx.Encoder) { e.Bool(s.Frozen) })
		e.Field("attempts", func(e *jx.Encoder) { e.Int(s.Attempts) })
		if a := s.PendingAction; a != nil {
			e.Field("pendingAction", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("kind", func(e *jx.Encoder) { e.Str(string(a.Kind)) })
					if a.URL != "" {
						e.Field("url", func(e *jx.Encoder) { e.Str(a.URL) })
					}
					if a.Reference != "" {
						e.Field("reference", func(e *jx.Encoder) { e.Str(a.Reference) })
					}
					if !a.ExpiresAt.IsZero() {
						e.Field("expiresAt", func(e *jx.Encoder) { e.Str(a.ExpiresAt.UTC().Format(time.RFC3339)) })
					}
				})
			})
		}
		if o := s.LastOutcome; o != nil {
			e.Field("lastOutcome", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("success", func(e *jx.Encoder) { e.Bool(o.Success) })
					if !o.Success {
						e.Field("kind", func(e *jx.Encoder) { e.Str(string(o.Kind)) })
						e.Field("message", func(e *jx.Encoder) { e.Str(o.UserMessage()) })
					}
					if o.ProviderReference != "" {
						e.Field("reference", func(e *jx.Encoder) { e.Str(o.ProviderReference) })
					}
				})
			})
		}
		if s.Status == checkout.StatusOrderUnrecorded && s.LastOutcome != nil {
			e.Field("message", func(e *jx.Encoder) {
				e.Str((&checkout.OrderNotRecordedError{ProviderReference: s.LastOutcome.ProviderReference}).UserMessage())
			})
		}
		if s.OrderID != "" {
			e.Field("orderId", func(e *jx.Encoder) { e.Str(s.OrderID) })
		}
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(s.CreatedAt.UTC().Format(time.RFC3339)) })
		e.Field("updatedAt", func(e *jx.Encoder) { e.Str(s.UpdatedAt.UTC().Format(time.RFC3339)) })
	})
}

func encodeAddress(e *jx.Encoder, a shipping.Address) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("name", func(e *jx.Encoder) { e.Str(a.Name) })
		e.Field("line1", func(e *jx.Encoder) { e.Str(a.Line1) })
		e.Field("line2", func(e *jx.Encoder) { e.Str(a.Line2) })
		e.Field("city", func(e *jx.Encoder) { e.Str(a.City) })
		e.Field("state", func(e *jx.Encoder) { e.Str(a.State) })
		e.Field("postalCode", func(e *jx.Encoder) { e.Str(a.PostalCode) })
		e.Field("country", func(e *jx.Encoder) { e.Str(a.Country) })
		e.Field("phone", func(e *jx.Encoder) { e.Str(a.Phone) })
	})
}

// encodeRate writes a rate; index is omitted when negative.
func encodeRate(e *jx.Encoder, index int, carrier, service, rate string, days int) {
	e.Obj(func(e *jx.Encoder) {
		if index >= 0 {
			e.Field("index", func(e *jx.Encoder) { e.Int(index) })
		}
		e.Field("carrier", func(e *jx.Encoder) { e.Str(carrier) })
		e.Field("service", func(e *jx.Encoder) { e.Str(service) })
		e.Field("rate", func(e *jx.Encoder) { e.Str(rate) })
		e.Field("estimatedDays", func(e *jx.Encoder) { e.Int(days) })
	})
}

package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/payment/applepay"
)

// The Apple Pay endpoints relay the payment sheet callbacks to the attempt
// running for the session. Each call blocks until the attempt answers.

func (h *Handler) applePayValidate(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	if h.applePay == nil {
		h.fail(w, r, applepay.ErrNoSession)
		return
	}
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var validationURL string
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "validationURL" {
			return d.Skip()
		}
		var err error
		validationURL, err = d.Str()
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	if err := applepay.CheckValidationURL(validationURL); err != nil {
		h.fail(w, r, err)
		return
	}

	merchantSession, err := h.applePay.ValidateMerchant(r.Context(), s.ID, validationURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(merchantSession)
}

func (h *Handler) applePayAuthorize(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	if h.applePay == nil {
		h.fail(w, r, applepay.ErrNoSession)
		return
	}
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var token string
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "token" {
			return d.Skip()
		}
		var err error
		token, err = readToken(d)
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}

	approved, err := h.applePay.Authorize(r.Context(), s.ID, token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("approved", func(e *jx.Encoder) { e.Bool(approved) })
		})
	})
}

func (h *Handler) applePayCancel(w http.ResponseWriter, r *http.Request, s checkout.Session) {
	if h.applePay == nil {
		h.fail(w, r, applepay.ErrNoSession)
		return
	}
	if err := h.applePay.Cancel(r.Context(), s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request, userID string) {
	h.writeCart(w, userID, h.carts.Get(r.Context(), userID))
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request, userID string) {
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		p        cart.Product
		hasID    bool
		hasPrice bool
	)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			p.ID, err = d.Int64()
			hasID = true
		case "name":
			p.Name, err = d.Str()
		case "price":
			hasPrice = true
			switch d.Next() {
			case jx.String:
				p.Price, err = d.Str()
			default:
				// Numbers keep their literal text; NormalizePrice reads it.
				p.Price, err = d.Num()
			}
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	if !hasID || p.ID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "productId must be a positive integer")
		return
	}
	if !hasPrice {
		writeError(w, http.StatusUnprocessableEntity, "price is required")
		return
	}

	c := h.carts.Get(r.Context(), userID)
	if err := c.AddItem(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCart(w, userID, c)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	d, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	quantity, hasQuantity := 0, false
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		hasQuantity = true
		var err error
		quantity, err = d.Int()
		return err
	})
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	if !hasQuantity {
		writeError(w, http.StatusUnprocessableEntity, "quantity is required")
		return
	}

	c := h.carts.Get(r.Context(), userID)
	c.UpdateQuantity(r.Context(), id, quantity)
	h.writeCart(w, userID, c)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	c := h.carts.Get(r.Context(), userID)
	c.RemoveItem(r.Context(), id)
	h.writeCart(w, userID, c)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request, userID string) {
	c := h.carts.Get(r.Context(), userID)
	c.Clear(r.Context())
	h.writeCart(w, userID, c)
}

func productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("productID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return 0, false
	}
	return id, true
}

// writeCart responds with the cart and the notifications queued for it.
func (h *Handler) writeCart(w http.ResponseWriter, userID string, c *cart.Cart) {
	var messages []string
	if h.messages != nil {
		messages = h.messages.Drain(cart.StorageKey(userID))
	}
	st := c.Snapshot()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("lines", func(e *jx.Encoder) { encodeLines(e, st.Lines) })
			e.Field("total", func(e *jx.Encoder) { e.Str(st.Total.StringFixed(2)) })
			e.Field("itemCount", func(e *jx.Encoder) { e.Int(st.ItemCount()) })
			e.Field("messages", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, m := range messages {
						e.Str(m)
					}
				})
			})
		})
	})
}

func encodeLines(e *jx.Encoder, lines []cart.Line) {
	e.Arr(func(e *jx.Encoder) {
		for _, l := range lines {
			e.Obj(func(e *jx.Encoder) {
				e.Field("productId", func(e *jx.Encoder) { e.Int64(l.ProductID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(l.Name) })
				e.Field("unitPrice", func(e *jx.Encoder) { e.Str(l.UnitPrice.StringFixed(2)) })
				e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
				e.Field("subtotal", func(e *jx.Encoder) { e.Str(l.Subtotal().StringFixed(2)) })
			})
		}
	})
}

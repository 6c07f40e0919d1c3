// Package incident records payments that were captured but could not be
// turned into an order. Each one needs manual follow-up by support.
package incident

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Incident is a captured payment without a recorded order.
type Incident struct {
	SessionID         string
	UserID            string
	Method            string
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	IdempotencyKey    string
	Reason            string
	OccurredAt        time.Time
}

// Recorder stores incidents.
type Recorder interface {
	Record(ctx context.Context, inc Incident) error
}

// Encode serializes an incident as a single JSON object.
func Encode(inc Incident) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("session_id", func(e *jx.Encoder) { e.Str(inc.SessionID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(inc.UserID) })
		e.Field("method", func(e *jx.Encoder) { e.Str(inc.Method) })
		e.Field("provider_reference", func(e *jx.Encoder) { e.Str(inc.ProviderReference) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(inc.Amount.String()) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(inc.Currency) })
		e.Field("idempotency_key", func(e *jx.Encoder) { e.Str(inc.IdempotencyKey) })
		e.Field("reason", func(e *jx.Encoder) { e.Str(inc.Reason) })
		e.Field("occurred_at", func(e *jx.Encoder) { e.Str(inc.OccurredAt.UTC().Format(time.RFC3339Nano)) })
	})

	out := make([]byte, len(e.Bytes()))
	copy(out, e.Bytes())
	return out
}

// Decode parses an incident written by Encode.
func Decode(data []byte) (Incident, error) {
	var inc Incident
	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var (
			s   string
			err error
		)
		switch key {
		case "session_id":
			inc.SessionID, err = d.Str()
		case "user_id":
			inc.UserID, err = d.Str()
		case "method":
			inc.Method, err = d.Str()
		case "provider_reference":
			inc.ProviderReference, err = d.Str()
		case "currency":
			inc.Currency, err = d.Str()
		case "idempotency_key":
			inc.IdempotencyKey, err = d.Str()
		case "reason":
			inc.Reason, err = d.Str()
		case "amount":
			if s, err = d.Str(); err == nil {
				inc.Amount, err = decimal.NewFromString(s)
			}
		case "occurred_at":
			if s, err = d.Str(); err == nil {
				inc.OccurredAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return Incident{}, errors.Wrap(err, "decode incident")
	}
	return inc, nil
}

// Multi records to every recorder. It tries all of them and returns the
// combined error.
type Multi []Recorder

var _ Recorder = Multi(nil)

func (m Multi) Record(ctx context.Context, inc Incident) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Record(ctx, inc))
	}
	return err
}

// Dedupe keeps the earliest incident of each idempotency key, ordered by the
// time it occurred. A payment retried into the same failure, or recorded both
// in a journal and its rotated archive, is reported once.
func Dedupe(incidents []Incident) []Incident {
	sorted := slices.Clone(incidents)
	slices.SortStableFunc(sorted, func(a, b Incident) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})
	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, inc := range sorted {
		if _, ok := seen[inc.IdempotencyKey]; ok {
			continue
		}
		seen[inc.IdempotencyKey] = struct{}{}
		out = append(out, inc)
	}
	return out
}

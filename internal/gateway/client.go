// Package gateway implements the payment and shipping provider clients over
// HTTP with JSON bodies.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/kart-checkout/internal/payment"
)

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// Config is the endpoint and credentials of one provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport      http.RoundTripper
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTransport sets the base transport, wrapped by the instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithTracerProvider sets the tracer provider for client spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for client metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Client sends JSON requests to a provider API.
type Client struct {
	name   string
	base   *url.URL
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the provider called name.
func NewClient(name string, cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s base url", name)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("%s base url %q is not absolute", name, cfg.BaseURL)
	}

	o := options{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}
	var otelOpts []otelhttp.Option
	if o.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tracerProvider))
	}
	if o.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(o.meterProvider))
	}
	otelOpts = append(otelOpts, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return name + " " + r.Method
	}))

	return &Client{
		name:   name,
		base:   base,
		apiKey: cfg.APIKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(o.transport, otelOpts...),
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// call describes one request.
type call struct {
	method string
	// path is joined to the base URL unless it is absolute.
	path           string
	idempotencyKey string
	body           func(e *jx.Encoder)
	decode         func(d *jx.Decoder) error
}

// do sends c and decodes a 2xx body. Other statuses become
// *payment.ProviderError.
func (cl *Client) do(ctx context.Context, c call) ([]byte, error) {
	target := c.path
	if !strings.HasPrefix(target, "https://") && !strings.HasPrefix(target, "http://") {
		target = cl.base.String() + "/" + strings.TrimPrefix(c.path, "/")
	}

	var body io.Reader
	if c.body != nil {
		e := jx.GetEncoder()
		defer jx.PutEncoder(e)
		c.body(e)
		body = bytes.NewReader(e.Bytes())
	}

	req, err := http.NewRequestWithContext(ctx, c.method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cl.apiKey)
	}
	if c.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", c.idempotencyKey)
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", cl.name, c.method)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, parseProviderError(resp.StatusCode, data)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", cl.name)
	}
	if c.decode != nil {
		if err := c.decode(jx.DecodeBytes(data)); err != nil {
			return nil, errors.Wrapf(err, "decode %s response", cl.name)
		}
	}
	return data, nil
}

// parseProviderError reads {"code","message"} at the top level, nested under
// "error" or as the first entry of "errors". Unreadable bodies keep the status
// text.
func parseProviderError(status int, data []byte) *payment.ProviderError {
	pe := &payment.ProviderError{Status: status}
	var read func(d *jx.Decoder) error
	read = func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "error":
				if d.Next() == jx.Object {
					return read(d)
				}
				s, err := d.Str()
				pe.Message = s
				return err
			case "errors":
				first := true
				return d.Arr(func(d *jx.Decoder) error {
					if !first || d.Next() != jx.Object {
						return d.Skip()
					}
					first = false
					return read(d)
				})
			case "code", "type":
				if d.Next() != jx.String {
					return d.Skip()
				}
				s, err := d.Str()
				if pe.Code == "" || key == "code" {
					pe.Code = s
				}
				return err
			case "message", "detail":
				s, err := d.Str()
				if pe.Message == "" || key == "message" {
					pe.Message = s
				}
				return err
			default:
				return d.Skip()
			}
		})
	}
	if len(data) == 0 || read(jx.DecodeBytes(data)) != nil || (pe.Code == "" && pe.Message == "") {
		pe.Code = ""
		pe.Message = http.StatusText(status)
	}
	return pe
}

// decodeDecimal reads a decimal written as a JSON number or string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, errors.Errorf("unexpected %s for decimal", d.Next())
	}
}

// decodeTime reads an RFC 3339 timestamp or unix seconds.
func decodeTime(d *jx.Decoder) (time.Time, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return time.Time{}, err
		}
		return time.Parse(time.RFC3339, s)
	case jx.Number:
		n, err := d.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(n, 0).UTC(), nil
	case jx.Null:
		return time.Time{}, d.Null()
	default:
		return time.Time{}, errors.Errorf("unexpected %s for time", d.Next())
	}
}

func pathEscape(id string) string {
	return url.PathEscape(id)
}

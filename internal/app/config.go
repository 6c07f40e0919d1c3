package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Currency    string `default:"usd" usage:"ISO 4217 currency of every payment"`
	CartStore   CartStoreConfig
	Parcel      ParcelConfig
	Providers   ProvidersConfig
	ApplePay    ApplePayConfig
	Polling     PollingConfig
	Checkout    CheckoutConfig
	Incidents   IncidentsConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// Cart store kinds.
const (
	CartStorePostgres = "postgres"
	CartStoreLocal    = "local"
)

// CartStoreConfig selects where carts are persisted.
type CartStoreConfig struct {
	Kind string `default:"postgres" usage:"Cart store: postgres or local"`
	Dir  string `default:"./data/carts" usage:"Directory of the local cart store"`
}

// ParcelConfig is the default parcel quoted for every order, in inches and
// ounces.
type ParcelConfig struct {
	Length string `default:"10"`
	Width  string `default:"8"`
	Height string `default:"4"`
	Weight string `default:"16"`
}

// Parcel parses the configured dimensions.
func (c ParcelConfig) Parcel() (shipping.Parcel, error) {
	var (
		p   shipping.Parcel
		err error
	)
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"length", c.Length, &p.Length},
		{"width", c.Width, &p.Width},
		{"height", c.Height, &p.Height},
		{"weight", c.Weight, &p.Weight},
	} {
		*f.dst, err = decimal.NewFromString(f.raw)
		if err != nil {
			return shipping.Parcel{}, errors.Wrapf(err, "parcel %s", f.name)
		}
		if !f.dst.IsPositive() {
			return shipping.Parcel{}, errors.Errorf("parcel %s must be positive", f.name)
		}
	}
	return p, nil
}

// ProviderConfig is the endpoint and secret key of one provider.
type ProviderConfig struct {
	BaseURL string        `usage:"Provider API base URL; empty disables the provider"`
	APIKey  string        `usage:"Provider secret key"`
	Timeout time.Duration `default:"20s" usage:"Per-request timeout"`
}

// Enabled reports whether the provider is configured.
func (c ProviderConfig) Enabled() bool {
	return c.BaseURL != ""
}

// ProvidersConfig lists the payment and shipping providers. A payment method
// is offered only when its provider is configured.
type ProvidersConfig struct {
	Stripe    ProviderConfig
	Square    ProviderConfig
	SafeKey   ProviderConfig
	GooglePay ProviderConfig
	Crypto    ProviderConfig
	Shipping  ProviderConfig
}

// ApplePayConfig configures Apple Pay. The processor charges the payment
// tokens; the certificate authenticates the merchant to Apple.
type ApplePayConfig struct {
	MerchantID  string `usage:"Apple Pay merchant identifier; empty disables Apple Pay"`
	DisplayName string `default:"Shop"`
	Domain      string `usage:"Domain registered for Apple Pay"`
	CertFile    string `usage:"Merchant identity certificate (PEM)"`
	KeyFile     string `usage:"Merchant identity key (PEM)"`
	Processor   ProviderConfig
}

// Enabled reports whether Apple Pay is configured.
func (c ApplePayConfig) Enabled() bool {
	return c.MerchantID != "" && c.Processor.Enabled()
}

// PollingConfig controls the status polling of asynchronous methods.
type PollingConfig struct {
	SafeKeyInterval time.Duration `default:"2s"`
	SafeKeyTimeout  time.Duration `default:"3m"`
	CryptoInterval  time.Duration `default:"5s"`
	CryptoTimeout   time.Duration `default:"30m"`
}

// CheckoutConfig bounds payment attempts.
type CheckoutConfig struct {
	AttemptTimeout time.Duration `default:"45m" usage:"Upper bound of a single payment attempt"`
	SettleTimeout  time.Duration `default:"30s" usage:"Upper bound of order creation after a captured payment"`
	MaxInFlight    int           `default:"1000" usage:"In-flight payment attempts above which liveness fails"`
}

// IncidentsConfig controls where unrecorded orders are reported.
type IncidentsConfig struct {
	JournalPath  string   `default:"./data/incidents.jsonl" usage:"Incident journal file"`
	MaxBytes     int64    `default:"67108864" usage:"Journal size that triggers rotation"`
	KafkaBrokers []string `usage:"Kafka brokers; empty disables publishing"`
	KafkaTopic   string   `default:"checkout.incidents"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.CartStore.Kind {
	case CartStorePostgres:
	case CartStoreLocal:
		if c.CartStore.Dir == "" {
			return errors.New("local cart store requires a directory")
		}
	default:
		return errors.Errorf("unknown cart store %q", c.CartStore.Kind)
	}
	// Orders are always recorded in postgres.
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if !c.Providers.Shipping.Enabled() {
		return errors.New("shipping provider base URL is required")
	}
	if c.Currency == "" {
		return errors.New("currency is required")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

package app

import (
	"context"
	"crypto/tls"
	"net/http"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/gateway"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/incident"
	"github.com/xenking/kart-checkout/internal/notify"
	"github.com/xenking/kart-checkout/internal/payment"
	"github.com/xenking/kart-checkout/internal/payment/applepay"
	"github.com/xenking/kart-checkout/internal/payment/crypto"
	"github.com/xenking/kart-checkout/internal/payment/googlepay"
	"github.com/xenking/kart-checkout/internal/payment/safekey"
	"github.com/xenking/kart-checkout/internal/payment/square"
	"github.com/xenking/kart-checkout/internal/payment/stripe"
	"github.com/xenking/kart-checkout/internal/storage/local"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// appleGatewayURL is Apple's merchant validation host. The browser hands over
// the exact URL; this base only anchors the client.
const appleGatewayURL = "https://apple-pay-gateway.apple.com"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Carts.
	cartStore, err := newCartStore(cfg.CartStore, pool)
	if err != nil {
		return errors.Wrap(err, "create cart store")
	}
	feed := notify.NewFeed(notify.DefaultCapacity)
	carts := cart.NewRegistry(cartStore, cart.WithNotifier(feed), cart.WithLogger(lg.Named("cart")))

	// Incidents.
	journal, err := incident.OpenJournal(cfg.Incidents.JournalPath, cfg.Incidents.MaxBytes)
	if err != nil {
		return errors.Wrap(err, "open incident journal")
	}
	defer func() { _ = journal.Close() }()
	incidents := incident.Multi{journal}
	if len(cfg.Incidents.KafkaBrokers) > 0 {
		publisher := incident.NewKafkaPublisher(cfg.Incidents.KafkaBrokers, cfg.Incidents.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		incidents = append(incidents, publisher)
	}

	// Providers and payment adapters.
	gw := gatewayFactory{opts: []gateway.Option{
		gateway.WithTracerProvider(m.TracerProvider()),
		gateway.WithMeterProvider(m.MeterProvider()),
	}}
	shippingClient, err := gw.client("shipping", cfg.Providers.Shipping)
	if err != nil {
		return err
	}
	broker := applepay.NewBroker()
	adapters, err := newAdapters(cfg, gw, broker)
	if err != nil {
		return err
	}
	if len(adapters.Methods()) == 0 {
		lg.Warn("No payment provider configured")
	}
	lg.Info("Payment methods", zap.Stringers("methods", adapters.Methods()))

	// Checkout.
	parcel, err := cfg.Parcel.Parcel()
	if err != nil {
		return errors.Wrap(err, "parcel")
	}
	orch, err := checkout.New(
		checkout.Config{
			Currency:       cfg.Currency,
			Parcel:         parcel,
			AttemptTimeout: cfg.Checkout.AttemptTimeout,
			SettleTimeout:  cfg.Checkout.SettleTimeout,
		},
		adapters,
		order.NewService(postgres.NewOrderRepository(pool)),
		gateway.NewShipping(shippingClient),
		incidents,
		checkout.WithLogger(lg.Named("checkout")),
		checkout.WithMeterProvider(m.MeterProvider()),
		checkout.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create checkout")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddReadinessCheck("incident_journal", time.Second, journal.Check)
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("payment_attempts", time.Second,
		health.BacklogCheck("payment attempts", orch.InFlight, cfg.Checkout.MaxInFlight))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	handler.New(carts, orch, broker, feed).Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)
	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
		Key:    httpmiddleware.HeaderKey(handler.UserHeader),
		Skip:   httpmiddleware.PathPrefixes("/livez", "/readyz"),
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.UserHeader, httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			limiter.Middleware(),
			httpmiddleware.Instrument("checkout-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return limiter.Run(gCtx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		// Attempts still running are cancelled; captured payments are recorded
		// before Close returns.
		orch.Close()
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}

func newCartStore(cfg CartStoreConfig, pool *pgxpool.Pool) (cart.Store, error) {
	if cfg.Kind == CartStoreLocal {
		store, err := local.NewCartStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return postgres.NewCartStore(pool), nil
}

// gatewayFactory creates instrumented provider clients.
type gatewayFactory struct {
	opts []gateway.Option
}

func (f gatewayFactory) client(name string, cfg ProviderConfig, opts ...gateway.Option) (*gateway.Client, error) {
	c, err := gateway.NewClient(name, gateway.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, slices.Concat(f.opts, opts)...)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s client", name)
	}
	return c, nil
}

// newAdapters registers an adapter for every configured provider.
func newAdapters(cfg *Config, gw gatewayFactory, broker *applepay.Broker) (*payment.Registry, error) {
	reg := payment.NewRegistry()
	p := cfg.Providers

	if p.Stripe.Enabled() {
		c, err := gw.client("stripe", p.Stripe)
		if err != nil {
			return nil, err
		}
		reg.Register(stripe.New(gateway.NewStripe(c)))
	}
	if p.Square.Enabled() {
		c, err := gw.client("square", p.Square)
		if err != nil {
			return nil, err
		}
		reg.Register(square.New(square.NonceTokenizer{}, gateway.NewSquare(c)))
	}
	if p.SafeKey.Enabled() {
		c, err := gw.client("safekey", p.SafeKey)
		if err != nil {
			return nil, err
		}
		reg.Register(safekey.New(gateway.NewSafeKey(c), payment.PollConfig{
			Interval: cfg.Polling.SafeKeyInterval,
			Timeout:  cfg.Polling.SafeKeyTimeout,
		}))
	}
	if cfg.ApplePay.Enabled() {
		a, err := newApplePay(cfg.ApplePay, gw)
		if err != nil {
			return nil, err
		}
		reg.Register(applepay.New(broker, a, a))
	}
	if p.GooglePay.Enabled() {
		c, err := gw.client("googlepay", p.GooglePay)
		if err != nil {
			return nil, err
		}
		reg.Register(googlepay.New(googlepay.Parser{}, gateway.NewGooglePay(c)))
	}
	if p.Crypto.Enabled() {
		c, err := gw.client("crypto", p.Crypto)
		if err != nil {
			return nil, err
		}
		reg.Register(crypto.New(gateway.NewCrypto(c), payment.PollConfig{
			Interval: cfg.Polling.CryptoInterval,
			Timeout:  cfg.Polling.CryptoTimeout,
		}))
	}
	return reg, nil
}

// newApplePay creates the Apple Pay client. Merchant validation presents the
// merchant identity certificate over mutual TLS.
func newApplePay(cfg ApplePayConfig, gw gatewayFactory) (*gateway.ApplePay, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load apple pay merchant certificate")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	apple, err := gw.client("applepay", ProviderConfig{
		BaseURL: appleGatewayURL,
		Timeout: cfg.Processor.Timeout,
	}, gateway.WithTransport(transport))
	if err != nil {
		return nil, err
	}
	processor, err := gw.client("applepay-processor", cfg.Processor)
	if err != nil {
		return nil, err
	}
	return gateway.NewApplePay(apple, processor, gateway.Merchant{
		ID:          cfg.MerchantID,
		DisplayName: cfg.DisplayName,
		Domain:      cfg.Domain,
	}), nil
}

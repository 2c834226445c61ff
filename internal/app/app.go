// Package app wires the marketplace API server.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/marketplace-core/internal/checkout"
	"github.com/xenking/marketplace-core/internal/gateway"
	"github.com/xenking/marketplace-core/internal/gateway/midtrans"
	"github.com/xenking/marketplace-core/internal/handler"
	"github.com/xenking/marketplace-core/internal/outbox"
	"github.com/xenking/marketplace-core/internal/storage/postgres"
	"github.com/xenking/marketplace-core/pkg/health"
	"github.com/xenking/marketplace-core/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, the payment sweeper
// and the outbox relay, and handles graceful shutdown. It is the single
// wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	products := postgres.NewProductRepository(pool)
	apikeys := postgres.NewAPIKeyRepository(pool)

	gw, err := newGateway(lg, cfg.Midtrans)
	if err != nil {
		return errors.Wrap(err, "create gateway")
	}
	pricing, err := cfg.Pricing.Rules()
	if err != nil {
		return errors.Wrap(err, "pricing")
	}
	svc, err := checkout.New(store, products, gw, checkout.Options{
		Pricing:        pricing,
		PaymentTTL:     cfg.Pricing.PaymentTTL,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create checkout")
	}
	sweeper := checkout.NewSweeper(svc, store, checkout.SweeperConfig{
		Interval:  cfg.Sweeper.Interval,
		PollAfter: cfg.Sweeper.PollAfter,
		BatchSize: cfg.Sweeper.BatchSize,
	})

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddLiveness(health.Check{
		Name: "goroutines",
		Func: health.GoroutineCountCheck(10000),
	})
	healthSvc.AddReadiness(health.Check{
		Name:    "postgres",
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(store),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if len(cfg.Outbox.Brokers) > 0 {
		w := outbox.NewWriter(outbox.KafkaConfig{
			Brokers:      cfg.Outbox.Brokers,
			Topic:        cfg.Outbox.Topic,
			WriteTimeout: cfg.Outbox.WriteTimeout,
		}, lg.Named("kafka"))
		relay, err := outbox.NewRelay(store, w, outbox.Config{
			Interval:  cfg.Outbox.Interval,
			BatchSize: cfg.Outbox.BatchSize,
		}, m.MeterProvider().Meter("outbox"))
		if err != nil {
			_ = w.Close()
			return errors.Wrap(err, "create outbox relay")
		}
		healthSvc.AddReadiness(health.Check{
			Name:    "outbox",
			Timeout: 5 * time.Second,
			Func:    health.BacklogCheck(store.PendingEventCount, cfg.Outbox.MaxBacklog),
		})
		g.Go(func() error {
			defer func() { _ = w.Close() }()
			return relay.Run(gctx)
		})
	} else {
		lg.Info("Outbox relay disabled, no Kafka brokers configured")
	}

	healthSvc.Start(gctx, 10*time.Second)
	defer healthSvc.Stop()

	h := handler.NewHandler(handler.HandlerConfig{}, svc,
		handler.NewSecurityHandler(apikeys, []byte(cfg.APIKeyPepper)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(gctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   unthrottled,
			}),
			httpmiddleware.Instrument("marketplace-api", m),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	healthSvc.SetReady(true)
	return g.Wait()
}

// newGateway returns nil when no server key is configured, which leaves only
// cash on delivery and manual transfer available.
func newGateway(lg *zap.Logger, cfg MidtransConfig) (gateway.Client, error) {
	if cfg.ServerKey == "" {
		lg.Warn("Midtrans server key not set, online payments disabled")
		return nil, nil
	}
	c, err := midtrans.New(midtrans.Options{
		ServerKey: cfg.ServerKey,
		SnapURL:   cfg.SnapURL,
		APIURL:    cfg.APIURL,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// unthrottled exempts gateway webhooks and probes from rate limiting.
func unthrottled(r *http.Request) bool {
	switch {
	case r.URL.Path == handler.NotificationPath:
		return true
	case strings.HasPrefix(r.URL.Path, "/livez"), strings.HasPrefix(r.URL.Path, "/readyz"):
		return true
	default:
		return false
	}
}

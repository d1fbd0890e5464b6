// Command server runs the billing HTTP service: provider webhooks, checkout
// creation and subscription management.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/kitchen-alchemy/functions/internal/config"
	httpmw "github.com/kitchen-alchemy/functions/middleware/http"
	"github.com/kitchen-alchemy/functions/pkg/api"
	"github.com/kitchen-alchemy/functions/pkg/billing"
	"github.com/kitchen-alchemy/functions/pkg/billing/lemonsqueezy"
	zerologadapter "github.com/kitchen-alchemy/functions/pkg/billing/logger/zerolog"
	prommetrics "github.com/kitchen-alchemy/functions/pkg/billing/metrics/prometheus"
	"github.com/kitchen-alchemy/functions/pkg/billing/stripe"
	firestorestore "github.com/kitchen-alchemy/functions/storage/firestore"
	"github.com/kitchen-alchemy/functions/storage/memory"
	"github.com/kitchen-alchemy/functions/storage/postgres"
	redisstore "github.com/kitchen-alchemy/functions/storage/redis"
	"github.com/kitchen-alchemy/functions/storage/tiered"
)

const (
	shutdownTimeout = 15 * time.Second
	cleanupInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	logger := zerologadapter.NewLogger(&zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", billing.F("error", err))
		os.Exit(1)
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.LogFormat == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Logger()
}

// backend is the user store plus everything the process has to tear down.
type backend struct {
	store    billing.UserStore
	events   billing.EventLog
	ready    []func(context.Context) error
	cleanups []func()
	// periodic runs until ctx is done; nil when the store needs no upkeep.
	periodic func(ctx context.Context) error
}

func (b *backend) close() {
	for i := len(b.cleanups) - 1; i >= 0; i-- {
		b.cleanups[i]()
	}
}

func (b *backend) check(ctx context.Context) error {
	for _, ready := range b.ready {
		if err := ready(ctx); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger billing.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:    b.store,
		EventLog: b.events,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	base := billing.Config{
		AllowUnsignedWebhooks: !cfg.RequireWebhookSignature,
		Metrics:               metrics,
		Logger:                logger,
	}
	if !cfg.RequireWebhookSignature {
		logger.Warn("webhook signature verification may be skipped for unsigned deliveries")
	}

	lsConfig := lemonsqueezy.Config{Config: base}
	lsConfig.WebhookSecret = cfg.LemonSqueezyWebhookSecret
	lsConfig.APIKey = cfg.LemonSqueezyAPIKey
	ls, err := lemonsqueezy.NewProvider(lsConfig)
	if err != nil {
		return fmt.Errorf("lemonsqueezy provider: %w", err)
	}

	stripeConfig := stripe.Config{Config: base, PriceID: cfg.StripePriceID, SiteURL: cfg.SiteURL}
	stripeConfig.WebhookSecret = cfg.StripeWebhookSecret
	stripeConfig.APIKey = cfg.StripeSecretKey
	sp, err := stripe.NewProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("stripe provider: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Reconciler:     reconciler,
		Providers:      []billing.Provider{ls, sp},
		Checkout:       sp,
		CORS:           httpmw.DefaultConfig(),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Ready:          b.check,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", billing.F("addr", srv.Addr), billing.F("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	if b.periodic != nil {
		g.Go(func() error { return b.periodic(gctx) })
	}
	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, logger billing.Logger) (*backend, error) {
	b := &backend{}
	var durable billing.EventLog

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		store := memory.New()
		b.store, durable = store, store

	case config.StoreFirestore:
		var opts []option.ClientOption
		if cfg.FirebaseServiceAccountBase64 != "" {
			creds, err := base64.StdEncoding.DecodeString(cfg.FirebaseServiceAccountBase64)
			if err != nil {
				return nil, fmt.Errorf("decode FIREBASE_SERVICE_ACCOUNT_BASE64: %w", err)
			}
			opts = append(opts, option.WithCredentialsJSON(creds))
		}
		client, err := firestore.NewClient(ctx, cfg.FirebaseProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		b.cleanups = append(b.cleanups, func() { _ = client.Close() })
		store, err := firestorestore.New(client, firestorestore.Config{UsersCollection: cfg.UsersCollection})
		if err != nil {
			b.close()
			return nil, err
		}
		b.store, durable = store, store

	case config.StorePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.cleanups = append(b.cleanups, store.Close)
		if err := store.Migrate(ctx); err != nil {
			b.close()
			return nil, err
		}
		b.store, durable = store, store
		b.ready = append(b.ready, store.Ping)
		b.periodic = func(ctx context.Context) error {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := store.Cleanup(ctx); err != nil {
						logger.Warn("webhook event cleanup failed", billing.F("error", err))
					}
				}
			}
		}

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	b.events = durable
	if cfg.RedisURL == "" {
		return b, nil
	}

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rs, err := redisstore.New(goredis.NewClient(redisOpts), redisstore.DefaultConfig())
	if err != nil {
		b.close()
		return nil, err
	}
	b.cleanups = append(b.cleanups, func() { _ = rs.Close() })
	b.ready = append(b.ready, rs.Ping)

	events, err := tiered.New(tiered.Config{
		Hot:          rs,
		Cold:         durable,
		AsyncHotFill: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("event log hot fill failed", billing.F("error", err))
		},
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.cleanups = append(b.cleanups, func() { _ = events.Close() })
	b.events = events
	return b, nil
}

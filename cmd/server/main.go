package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/auth"
	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/engine"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/geo"
	httpapi "github.com/example/ride-bidding/internal/http"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/locator"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/ratelimit"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type closer func() error

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := retry.Default()
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", "error", err)
			}
		}
	}()

	var (
		store storage.Store
		ready []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		ready = append(ready, ps.Ping)
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		c      cache.Cache
		rgeo   *geo.RedisGeo
		source locator.Source = store
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		c = cache.NewRedis(rc, "ride-bidding:")
		rgeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		source = rgeo
	} else {
		c = cache.NewMemory(time.Now)
	}

	var router pricing.Router = pricing.HaversineRouter{}
	if cfg.OSRMURL != "" {
		router = pricing.NewOSRMClient(cfg.OSRMURL)
	}
	router = pricing.NewCachedRouter(router, c, cfg.RouteCacheTTL, logger)
	est := pricing.NewTariffEstimator(router, cfg.Classes, policy, logger)

	limiter := ratelimit.New(c, cfg.RateLimit, logger)
	api := engine.Assemble(store, est, source, limiter, cfg, policy, logger)

	hub := events.NewHub(64)
	workers := dispatch.NewWSRegistry()
	var push dispatch.Pusher
	if cfg.FCMEndpoint != "" {
		push = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	notifier := dispatch.NewPushDispatcher(workers, push, policy, logger)
	api.Intake.Inviter = notifier

	relay := events.NewRelay(store, policy, logger, cfg.RelayPoll, hub, notifier)
	if rgeo != nil {
		relay.Subscribe(rgeo)
		api.Mirror = rgeo
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		api.Publisher = producer
		publisher := ingest.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, publisher.Close)
		relay.Subscribe(publisher)
	}
	if cfg.StripeAPIKey != "" {
		relay.Subscribe(payments.NewFeeHold(payments.NewStripeClient(cfg.StripeAPIKey), cfg.FeeCurrency, logger))
	} else {
		logger.Info("STRIPE_API_KEY not set, cancellation fees are recorded but not held")
	}
	api.Notify = relay.Kick

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("JWT_SECRET not set, tokens from other processes will be rejected")
	}
	server := httpapi.NewServer(api, hub, workers, auth.NewVerifier(secret), logger)
	server.TrustedProxies = cfg.TrustedProxies
	server.Ready = func(ctx context.Context) error {
		for _, check := range ready {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(relay.Run)
	background(func(ctx context.Context) { api.Bidding.Run(ctx, cfg.Bidding.SweepInterval) })
	background(func(ctx context.Context) { limiter.Run(ctx, cfg.RateLimit.SweepInterval) })

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-bidding listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stop()
	api.Bidding.Stop()
	api.Intake.Wait()
	wg.Wait()
	return nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

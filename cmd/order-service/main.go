package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vasiliy-maslov/cart-checkout/internal/auth"
	"github.com/vasiliy-maslov/cart-checkout/internal/cache"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/config"
	"github.com/vasiliy-maslov/cart-checkout/internal/db"
	"github.com/vasiliy-maslov/cart-checkout/internal/handler"
	"github.com/vasiliy-maslov/cart-checkout/internal/memstore"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogger(cfg.App)
	log.Info().Str("storage", cfg.Storage.Driver).Msg("Order service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cartRepo, orderRepo, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer closeStore()

	idempotency, closeIdempotency, err := openIdempotencyStore(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer closeIdempotency()

	transitions := order.AnyTransition
	if cfg.Orders.StrictTransitions {
		transitions = order.GraphTransitions
	}

	cartSvc := cart.NewService(cartRepo)
	orderSvc := order.NewService(orderRepo,
		order.WithTransitions(transitions),
		order.WithIdempotencyStore(idempotency),
	)

	router := handler.NewRouter(handler.RouterDeps{
		Logger:      log.Logger,
		ServiceName: cfg.App.Name,
		Auth:        auth.NewJWTService(cfg.JWT),
		Cart:        handler.NewCartHandler(cartSvc),
		Order:       handler.NewOrderHandler(orderSvc),
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Order service stopped gracefully.")
}

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", cfg.Name).Logger()
}

func openStorage(ctx context.Context, cfg *config.Config) (cart.Repository, order.Repository, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		store := memstore.New()
		return store.Carts(), store.Orders(), func() {}, nil
	}

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, err
	}
	return cart.NewRepository(pg.Pool), order.NewRepository(pg.Pool), pg.Close, nil
}

func openIdempotencyStore(ctx context.Context, cfg config.RedisConfig) (order.IdempotencyStore, func(), error) {
	if cfg.Addr == "" {
		return cache.NewMemoryIdempotencyStore(cfg.TTL), func() {}, nil
	}

	store, err := cache.NewRedisIdempotencyStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/memory"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/infrastructure/userdirectory"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stdout})
	log := logger.Logger.With().Str("env", cfg.AppEnv).Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog := audit.New(logger.Logger.With().Str("component", "audit").Logger())

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		// Best-effort ping; caches and the rate limiter fail open
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
	}

	// ---- Storage ----
	var (
		store     domain.Store
		snapshots interface {
			domain.EventCatalog
			domain.EventSnapshotWriter
		}
		ready func(ctx context.Context) error
		repo  *postgres.Repository
	)

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		store = memory.NewStore(nil)
		snapshots = memory.NewCatalog()

	default:
		dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := dbPool.Ping(pingCtx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		cancel()
		log.Info().Msg("postgres connected")

		repo = postgres.New(dbPool)
		store = repo
		snapshots = repo
		ready = dbPool.Ping
		repo.StartCleanup(rootCtx)
	}

	// ---- Collaborators ----
	var users domain.UserDirectory = memory.NewStaticDirectory()
	if cfg.UserDirectoryURL != "" {
		users = userdirectory.New(cfg.UserDirectoryURL, cache, cfg.CacheUserTTL)
	}

	var sink domain.NotificationSink
	if cfg.NotifyEnabled {
		sink = service.LogSink{}
		if cfg.RabbitURL != "" {
			pub, err := rabbitmq.NewNotificationPublisher(cfg.RabbitURL, cfg.RabbitExchange)
			if err != nil {
				log.Warn().Err(err).Msg("notification publisher unavailable; logging notifications instead")
			} else {
				defer pub.Close()
				sink = pub
			}
		}
	}
	notifier := service.NewNotifier(sink, cfg.NotifyTimeout)

	// ---- Application services ----
	deps := service.Deps{
		Store:    store,
		Catalog:  redis.NewCachedCatalog(snapshots, cache, cfg.CacheEventTTL),
		Users:    users,
		Notifier: notifier,
		Audit:    auditLog,
	}
	opts := service.Options{
		DefaultMaxGuests:     cfg.DefaultMaxGuests,
		EventDefaultDuration: cfg.EventDefaultDuration,
		Retry:                service.DefaultRetryPolicy(cfg.TxMaxRetries),
	}
	reservations := service.NewReservationManager(deps, opts)
	tables := service.NewOpenTableRegistry(deps, opts)
	requests := service.NewJoinRequestWorkflow(deps, opts, reservations)

	// ---- Router ----
	rlLimit := cfg.RLLimit
	if !cfg.RLEnabled {
		rlLimit = 0
	}
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:        cache,
		Handler:      rest.NewHandler(reservations, tables, requests),
		Verifier:     security.NewHS256Verifier(cfg.JWTSecret, security.WithIssuer(cfg.JWTIssuer)),
		RLLimit:      rlLimit,
		RLWindow:     cfg.RLWindow,
		JoinRLLimit:  cfg.JoinRLLimit,
		JoinRLWindow: cfg.JoinRLWindow,
		Ready:        ready,
	})

	// ---- MQ consumer (inbound snapshots from event-service) ----
	if cfg.ConsumerEnabled && cfg.RabbitURL != "" {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, snapshots, reservations, cache)
		if err := consumer.Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("event snapshot consumer failed to start")
		}
	}

	// ---- Outbox worker (outbound reservation.* / join_request.* events) ----
	if cfg.OutboxEnabled && repo != nil && cfg.RabbitURL != "" {
		repo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange, auditLog)
		log.Info().Msg("outbox worker started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server crash
	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// let in-flight notifications finish before closing the publisher
	notifier.Wait()
	log.Info().Msg("shutdown complete")
}

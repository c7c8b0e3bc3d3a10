package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/bid"
	"github.com/stagebid/stagebid/internal/catalog"
	"github.com/stagebid/stagebid/internal/gateway"
	"github.com/stagebid/stagebid/internal/httpapi"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/outbox"
	"github.com/stagebid/stagebid/internal/round"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}
	setupLogging()

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store ledger.Store
	var cat catalog.Repository
	var outboxRepo outbox.Repository
	switch cfg.Storage {
	case "memory":
		mem := ledger.NewMemory()
		store, cat = mem, mem
		outboxRepo = outbox.NewMemory()
		log.Warn().Msg("using in-memory storage; state is lost on restart")
	default:
		db, err := setupDatabase()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		pg := ledger.NewPostgres(db)
		store, cat = pg, pg
		outboxRepo = outbox.NewPostgres(db)
	}

	clock := clockwork.NewRealClock()
	rounds := round.NewService(store, cat, outboxRepo, clock)
	bids := bid.NewService(store, cat, rounds, outboxRepo, clock)

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), rounds, clock)
	go cm.Start(ctx)

	var publisher outbox.Publisher
	if cfg.NATS.Enabled {
		natsCfg := outbox.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.StreamName = cfg.NATS.Stream
		natsPublisher, err := outbox.NewNATSPublisher(ctx, natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up NATS publisher")
		}
		defer natsPublisher.Close()
		publisher = natsPublisher

		consumerCfg := gateway.DefaultConsumerConfig()
		consumerCfg.URL = cfg.NATS.URL
		consumerCfg.StreamName = cfg.NATS.Stream
		consumer, err := gateway.NewEventConsumer(ctx, cm, consumerCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up NATS consumer")
		}
		if err := consumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start NATS consumer")
		}
	} else {
		// Single-node mode: relay outbox events straight to the gateway.
		publisher = gateway.NewLoopbackPublisher(cm)
	}

	worker := outbox.NewWorker(outboxRepo, publisher, outbox.Config{
		PollInterval: cfg.outboxPollInterval(),
		BatchSize:    cfg.Outbox.BatchSize,
	})
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start outbox worker")
	}

	// Pick up a round that was active when the process last stopped.
	if err := rounds.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("failed to resume active round")
	}

	server := setupServer(cfg, rounds, bids, cat, store, cm)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	worker.Stop()
	rounds.Stop()
	cancel()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupServer(cfg *Config, rounds *round.Service, bids *bid.Service, cat catalog.Repository, store ledger.Store, cm *gateway.ConnectionManager) *http.Server {
	mux := http.NewServeMux()

	api := httpapi.NewHandler(rounds, bids, cat, store)
	api.RegisterRoutes(mux)

	ws := gateway.NewWebSocketHandler(cm)
	ws.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: c.Handler(mux),
	}
}

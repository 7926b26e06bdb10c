package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkusJohansen/faxing/internal/archive"
	"github.com/MarkusJohansen/faxing/internal/clock"
	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/events"
	"github.com/MarkusJohansen/faxing/internal/handler"
	"github.com/MarkusJohansen/faxing/internal/kafka"
	"github.com/MarkusJohansen/faxing/internal/postgres"
	"github.com/MarkusJohansen/faxing/internal/redis"
	"github.com/MarkusJohansen/faxing/internal/service"
	"github.com/MarkusJohansen/faxing/internal/store"
	"github.com/MarkusJohansen/faxing/internal/websocket"
	"github.com/MarkusJohansen/faxing/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()
	var checks []namedCheck

	// PostgreSQL is optional and backs the archive sink and the event log
	var postgresRepo *postgres.Repository
	if cfg.Postgres.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer repo.Close()
		if err := repo.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		postgresRepo = repo
		checks = append(checks, namedCheck{"postgres", repo})
	}

	// Session persistence
	var persister store.Persister
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		repo, err := redis.NewSessionRepository(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer repo.Close()
		persister = repo
		checks = append(checks, namedCheck{"redis", repo})
	case config.StoreBackendFile:
		fp, err := store.NewFilePersister(cfg.Store.FilePath)
		if err != nil {
			return err
		}
		persister = fp
	default:
		logger.Warn("sessions are kept in memory only")
		persister = store.MemoryPersister{}
	}

	sessions := store.New(persister, cfg.Store.WriteTimeout, logger)
	if err := sessions.Load(ctx); err != nil {
		return err
	}

	// Archive sink
	var sink archive.Sink
	if cfg.Archive.Backend == config.ArchiveBackendPostgres {
		sink = postgresRepo
	} else {
		fs, err := archive.NewFileSink(cfg.Archive.Dir)
		if err != nil {
			return err
		}
		sink = fs
	}
	archiver := archive.New(sink, clk, cfg.Archive.Prefix, logger)

	coord := service.NewCoordinator(sessions, archiver, clk, cfg.Game, logger)

	wsHub := websocket.NewHub(coord, logger)
	go wsHub.Run()
	defer wsHub.Stop()
	coord.AddNotifier(wsHub)

	if postgresRepo != nil {
		coord.AddNotifier(postgresRepo)
	}

	if cfg.NATS.Enabled {
		publisher, err := events.NewPublisher(&cfg.NATS, logger)
		if err != nil {
			logger.Warn("failed to connect to NATS, continuing without event publishing", "error", err)
		} else {
			defer publisher.Close()
			coord.AddNotifier(publisher)
			logger.Info("publishing session events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
		}
	}

	sweeper := worker.NewSweeper(sessions, coord, clk, &cfg.Sweeper, logger)
	if cfg.Sweeper.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		consumer, err := kafka.NewConsumer(&cfg.Kafka, coord, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := consumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
		} else {
			kafkaConsumer = consumer
		}
	}

	httpHandler := handler.NewHandler(coord, wsHub, cfg.Server.AllowedOrigins, logger)
	for _, c := range checks {
		httpHandler.AddReadinessCheck(c.name, c.pinger)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"store", cfg.Store.Backend,
			"archive", cfg.Archive.Backend,
			"sessions", sessions.Len(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// stop intake before the coordinator's dependencies go away
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

type namedCheck struct {
	name   string
	pinger handler.Pinger
}

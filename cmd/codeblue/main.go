package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/siva9177/codeblue/internal/alert"
	"github.com/siva9177/codeblue/internal/config"
	"github.com/siva9177/codeblue/internal/database"
	"github.com/siva9177/codeblue/internal/directory"
	"github.com/siva9177/codeblue/internal/dispatch"
	"github.com/siva9177/codeblue/internal/server"
	"github.com/siva9177/codeblue/internal/timeline"
	"github.com/siva9177/codeblue/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Timeline recorder, optionally streaming events to Kafka
	var publisher timeline.Publisher
	if cfg.Kafka.Enabled {
		kafkaPub := timeline.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer kafkaPub.Close()
		publisher = kafkaPub
	}
	recorder := timeline.NewRecorder(db, zapLogger, publisher)

	// On-duty directory: static rosters behind bounded retry, optionally
	// fronted by a Redis roster cache
	var gateway directory.Gateway = directory.NewRetryingGateway(
		directory.NewStaticDirectory(cfg.Rosters()),
		cfg.Directory.LookupRetries,
		cfg.Directory.RetryDelay,
		zapLogger,
	)
	if cfg.Redis.Enabled {
		redisClient, err := database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		gateway = directory.NewCachedGateway(gateway, redisClient, cfg.Redis.RosterTTL, zapLogger)
	}

	// Notification dispatcher
	dispatcher := dispatch.NewDispatcher(db, zapLogger, dispatch.DefaultTransports(zapLogger), dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BackoffBase:    cfg.Dispatch.BackoffBase,
		BackoffMax:     cfg.Dispatch.BackoffMax,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
	})
	dispatcher.Start()

	// Alert coordinator and escalation scheduler
	store := alert.NewStore(db, zapLogger)
	scheduler := alert.NewScheduler(zapLogger)
	policies := alert.NewPolicyResolver(cfg.Policies(), cfg.DefaultTiers())
	coordinator := alert.NewCoordinator(store, recorder, dispatcher, gateway, scheduler, policies, zapLogger)

	scheduler.Start(coordinator.Escalate)

	// Re-arm deadlines for alerts that were active when the process last
	// stopped. Overdue deadlines fire shortly after startup.
	armed, err := store.ListArmed(context.Background())
	if err != nil {
		zapLogger.Fatal("Failed to load armed alerts", zap.Error(err))
	}
	if n := scheduler.Rehydrate(armed); n > 0 {
		zapLogger.Info("Rehydrated escalation deadlines", zap.Int("count", n))
	}

	// Start HTTP server
	handlers := alert.NewHandlers(zapLogger, coordinator, dispatcher)
	srv := server.NewServer(zapLogger, cfg.Server, handlers)
	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop accepting new deadlines first, then drain pending deliveries
	scheduler.Stop()
	dispatcher.Stop()

	zapLogger.Info("Server exited properly")
}

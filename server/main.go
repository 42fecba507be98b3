package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/config"
	"github.com/effendiaiwebsite/render-backend/server/ingest"
	"github.com/effendiaiwebsite/render-backend/server/liveness"
	"github.com/effendiaiwebsite/render-backend/server/logging"
	"github.com/effendiaiwebsite/render-backend/server/middleware"
	"github.com/effendiaiwebsite/render-backend/server/store"
	"github.com/effendiaiwebsite/render-backend/server/streaming"
)

func main() {
	logger := logging.GetInstance()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer s.Close()

	// Transition sinks. The log publisher always runs; Kafka and Telegram
	// join when configured; the hub pushes to websocket clients.
	hub := NewStatusHub(s, cfg.Liveness.OfflineThreshold, cfg.Websocket.MaxClients, logger)

	sinks := []streaming.Publisher{streaming.NewLogPublisher(logger), hub}
	if cfg.KafkaEnabled() {
		sinks = append(sinks, streaming.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger))
		logger.Info("Kafka transition publisher enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.TelegramEnabled() {
		notifier, err := streaming.NewTelegramNotifier(
			cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Throttle, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
		}
		sinks = append(sinks, notifier)
	}
	publisher := streaming.NewMultiPublisher(sinks...)
	defer publisher.Close()

	detector := liveness.NewDetector(s, publisher, cfg.Liveness.OfflineThreshold, logger)

	sweeper := liveness.NewSweeper(s, detector, cfg.Liveness.SweepInterval, logger)
	sweeper.Start(ctx)

	ingestSvc := ingest.NewService(s, detector, logger)

	if cfg.MQTT.Enabled {
		bridge := ingest.NewBridge(ingestSvc, ingest.BridgeConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topic:     cfg.MQTT.Topic,
		}, logger)
		// Connect retries in the background so HTTP ingest stays
		// available while the broker is down.
		go func() {
			if err := bridge.Start(); err != nil {
				logger.Error("MQTT bridge failed to start", zap.Error(err))
			}
		}()
		defer bridge.Stop()
	}

	api := NewAPI(s, ingestSvc, detector, hub, cfg, logger)
	go hub.Run(ctx)

	handler := middleware.CORSMiddleware(cfg.CORS.AllowedOrigins,
		handlers.LoggingHandler(os.Stdout,
			handlers.RecoveryHandler()(api.Routes())))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Heartbeat server listening",
			zap.String("port", cfg.Server.Port),
			zap.Duration("offline_threshold", cfg.Liveness.OfflineThreshold),
			zap.Duration("sweep_interval", cfg.Liveness.SweepInterval))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}

// openStore picks the backend from configuration. Driver "auto" prefers
// postgres, then redis, then the embedded sqlite file, so a bare deploy
// still persists across restarts.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	driver := cfg.Storage.Driver
	if driver == "auto" {
		switch {
		case cfg.Storage.PostgresURL != "":
			driver = "postgres"
		case cfg.Storage.RedisURL != "":
			driver = "redis"
		default:
			driver = "sqlite"
		}
	}

	switch driver {
	case "memory":
		logger.Info("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Postgres store")
		return s, nil
	case "redis":
		s, err := store.NewRedisStore(cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Redis store")
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("Opened SQLite store", zap.String("path", cfg.Storage.SQLitePath))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}

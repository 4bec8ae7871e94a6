package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"socket-sentinel/internal/analytics"
	"socket-sentinel/internal/cache"
	"socket-sentinel/internal/config"
	"socket-sentinel/internal/device"
	"socket-sentinel/internal/handlers"
	"socket-sentinel/internal/logging"
	"socket-sentinel/internal/mqtt"
	"socket-sentinel/internal/policy"
	"socket-sentinel/internal/scheduler"
	"socket-sentinel/internal/stream"
	"socket-sentinel/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring pipeline and operator API",
	Long: `Run the monitoring pipeline and operator API.

Configuration comes from the environment, optionally loaded from a .env file.

Examples:
  # Poll the device on the default address
  sentinel serve

  # Different port, debug logging
  sentinel serve --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("port", "", "HTTP port (overrides SERVER_PORT)")
	serveCmd.Flags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
	serveCmd.Flags().String("device-url", "", "Device base URL (overrides DEVICE_URL)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.ServerPort = port
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if url, _ := cmd.Flags().GetString("device-url"); url != "" {
		cfg.DeviceURL = url
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()
	logger.Info("Starting socket sentinel",
		zap.String("version", Version),
		zap.String("device", cfg.DeviceURL),
		zap.Duration("interval", cfg.PollInterval))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg, logger)
	defer func() { _ = store.Close() }()

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	gen := telemetry.DefaultGeneratorConfig()
	gen.Sockets = cfg.SyntheticSockets
	gen.HistoryLength = cfg.HistorySize
	gen.Seed = seed
	adapter := device.NewAdapter(
		device.NewClient(cfg.DeviceURL, cfg.RequestTimeout, nil),
		cfg.Device,
		device.Options{
			FailureThreshold: cfg.FailureThreshold,
			CooldownInterval: cfg.RetryCooldown,
			RequestTimeout:   cfg.RequestTimeout,
			HistoryCapacity:  cfg.HistorySize,
			Generator:        telemetry.NewGenerator(gen),
			Store:            store,
			Logger:           logger,
		},
	)
	if err := adapter.LoadConfig(ctx); err != nil {
		logger.Warn("Using environment config", zap.Error(err))
	}

	fcfg := analytics.DefaultConfig()
	fcfg.Jitter = cfg.ForecastJitter
	sched := scheduler.New(
		adapter,
		analytics.NewForecaster(fcfg, seed+1),
		policy.NewEngine(logger, time.Now),
		scheduler.Options{
			Interval:       cfg.PollInterval,
			HorizonMinutes: cfg.HorizonMinutes,
			Logger:         logger,
		},
	)

	if snap, ok, err := store.LatestSnapshot(ctx); err != nil {
		logger.Warn("Failed to load last snapshot", zap.Error(err))
	} else if ok && sched.Restore(snap) {
		logger.Info("Restored last snapshot", zap.Float64("total_power", snap.SystemStatus.TotalPower))
	}

	hub := stream.NewHub(logger, cfg.AllowedOrigins)
	go hub.Run(ctx)
	go hub.Consume(ctx, sched.Subscribe())

	go persistUpdates(ctx, sched.Subscribe(), store, logger)

	if cfg.MQTTBroker != "" {
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		if err != nil {
			logger.Warn("MQTT disabled", zap.Error(err))
		} else {
			defer client.Close()
			publisher := mqtt.NewPublisher(client.Native(), mqtt.PublisherConfig{Prefix: cfg.MQTTTopicPrefix}, logger)
			go publisher.Start(ctx, sched.Subscribe())
		}
	}

	limiter := handlers.NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst)
	api := handlers.NewHandler(adapter, sched, store, hub, limiter, logger)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		logger.Error("Server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	sched.Stop()

	logger.Info("Stopped gracefully")
	return nil
}

// openStore connects to Redis when configured, falling back to memory
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) cache.Store {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, using in-memory store")
		return cache.NewMemoryStore(cfg.AlertHistory)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := cache.NewRedisStore(pingCtx, cache.RedisOptions{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Prefix:      cfg.RedisPrefix,
		SnapshotTTL: cfg.SnapshotTTL,
		AlertTTL:    cfg.AlertTTL,
		AlertLimit:  cfg.AlertHistory,
	})
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory store", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return cache.NewMemoryStore(cfg.AlertHistory)
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	return store
}

// persistUpdates writes each cycle's snapshot and new alerts to the store
func persistUpdates(ctx context.Context, updates <-chan scheduler.Update, store cache.Store, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := store.SaveSnapshot(writeCtx, u.Snapshot); err != nil {
				logger.Warn("Failed to persist snapshot", zap.Uint64("cycle", u.Cycle), zap.Error(err))
			}
			for i := len(u.NewAlerts) - 1; i >= 0; i-- {
				if err := store.StoreAlert(writeCtx, u.NewAlerts[i]); err != nil {
					logger.Warn("Failed to persist alert", zap.String("id", u.NewAlerts[i].ID), zap.Error(err))
				}
			}
			cancel()
		}
	}
}

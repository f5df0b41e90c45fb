package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/stt-service/internal/capabilities"
	"github.com/skypro1111/stt-service/internal/config"
	"github.com/skypro1111/stt-service/internal/dispatch"
	"github.com/skypro1111/stt-service/internal/engine"
	"github.com/skypro1111/stt-service/internal/metrics"
	"github.com/skypro1111/stt-service/internal/models"
	"github.com/skypro1111/stt-service/internal/server"
	"github.com/skypro1111/stt-service/internal/session"
	"github.com/skypro1111/stt-service/internal/transcribe"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stt-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("engine_backend", cfg.Engine.Backend),
		slog.String("device", cfg.Engine.Device),
		slog.String("default_model", cfg.Engine.DefaultModel),
		slog.Int("http_port", cfg.Server.Port),
		slog.Int("dispatcher_workers", cfg.Dispatcher.Workers),
		slog.Int("dispatcher_queue_size", cfg.Dispatcher.QueueSize),
		slog.Int("buffer_threshold_bytes", cfg.Streaming.BufferThresholdBytes),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Capability allowlists
	caps := capabilities.Default()

	// Inference backend loader
	loader, err := engine.NewLoader(engine.BackendConfig{
		Backend:     cfg.Engine.Backend,
		Device:      cfg.Engine.Device,
		ComputeType: cfg.Engine.ComputeType,
		Remote: engine.RemoteConfig{
			Endpoint:      cfg.Engine.Endpoint,
			APIKey:        cfg.Engine.APIKey,
			Timeout:       cfg.Engine.GetTimeoutDuration(),
			MaxRetries:    cfg.Engine.MaxRetries,
			MaxConcurrent: cfg.Engine.MaxConcurrent,
		},
	}, logger)
	if err != nil {
		logger.Error("Failed to create engine loader", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Model cache
	cache := models.NewCache(loader, logger, func(modelID string, duration time.Duration) {
		appMetrics.ModelLoads.Inc()
		appMetrics.ModelLoadTime.Observe(duration.Seconds())
		appMetrics.ModelsLoaded.Inc()
	})

	if cfg.Engine.PreloadModel {
		if err := cache.Preload(ctx, cfg.Engine.DefaultModel); err != nil {
			logger.Error("Failed to preload default model",
				slog.String("model", cfg.Engine.DefaultModel),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	// Inference dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	}, logger, appMetrics)

	// Unary transcription handler
	handler := transcribe.NewHandler(caps, cache, dispatcher, cfg.Engine.DefaultModel, logger, appMetrics)

	// Streaming session manager
	sessionMgr := session.NewManager(caps, cache, dispatcher, session.Options{
		ThresholdBytes: cfg.Streaming.BufferThresholdBytes,
		FlushOnClose:   cfg.Streaming.FlushOnClose,
		DefaultModel:   cfg.Engine.DefaultModel,
	}, cfg.Streaming.GetSessionTimeoutDuration(), logger, appMetrics)

	// HTTP API server
	httpServer := server.NewHTTPServer(cfg, logger, caps, handler, sessionMgr, cache, dispatcher, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	sessionMgr.Stop()
	dispatcher.Stop()

	if err := cache.Close(); err != nil {
		logger.Warn("Error closing model cache", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// initLogger creates a slog logger from the logging configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SkynetNext/pbufpool/internal/config"
	"github.com/SkynetNext/pbufpool/internal/daemon"
	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/tracing"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// LOG_LEVEL overrides the configured level
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize tracing (optional, if a Jaeger endpoint is configured)
	jaegerEndpoint := cfg.Tracing.JaegerEndpoint
	if env := os.Getenv("JAEGER_ENDPOINT"); env != "" {
		jaegerEndpoint = env
	}
	if jaegerEndpoint != "" {
		if err := tracing.Init(cfg.Tracing.ServiceName, version, jaegerEndpoint, cfg.Tracing.SampleRatio); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", jaegerEndpoint))
		}
	}

	// Create the pools
	d, err := daemon.New(cfg)
	if err != nil {
		logger.L.Fatal("Failed to create daemon", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start daemon", zap.Error(err))
	}

	// Configuration hot reload
	if cfg.ReloadInterval > 0 {
		reloader := config.NewHotReloadManager(cfg, d.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, cfg.ReloadInterval); err != nil && ctx.Err() == nil {
				logger.L.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("pbufpoold started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.Int("pools", len(cfg.Pools)),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.GetConfig().GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during daemon shutdown", zap.Error(err))
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("pbufpoold closed")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"tradeguard/config"
	"tradeguard/observability/logging"
	telemetry "tradeguard/observability/otel"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (defaults to $"+config.EnvConfigPath+")")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.Info("escrowd starting",
		slog.String("database", cfg.Database.Driver),
		slog.Bool("dryRunLedger", cfg.Ledger.Endpoint == ""))
	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info("escrowd stopped")
	return nil
}

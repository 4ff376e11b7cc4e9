package tallyd

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

	"turingvote/config"
	"turingvote/observability/logging"
	telemetry "turingvote/observability/otel"
)

const serviceName = "tallyd"

// Version is stamped at build time.
var Version = "dev"

// Main initialises and runs the tally daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "tallyd.yaml", "path to tallyd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Logging.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("TURINGVOTE_ENV"))
	}
	var level slog.Level
	if cfg.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	logger, closeLog := logging.SetupWithOptions(serviceName, env, logging.Options{
		File:  cfg.Logging.File,
		Level: level,
	})
	defer closeLog.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := Build(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     daemon.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /v1/stream holds the connection open.
		IdleTimeout: 60 * time.Second,
	}

	runErr := make(chan error, 1)
	go func() { runErr <- daemon.Run(stopCtx) }()

	errs := make(chan error, 1)
	go func() {
		logger.Info("tallyd listening", "address", cfg.Listen, "mode", cfg.Mode)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-runErr
			return err
		}
	case err := <-runErr:
		_ = httpServer.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	stop()
	select {
	case err := <-runErr:
		return err
	case <-shutdownCtx.Done():
		return nil
	}
}

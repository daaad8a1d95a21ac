package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/config"
	"github.com/haasonsaas/gearwatch/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath  = flag.String("config", "/etc/gearwatch/server.yaml", "Config file path")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	archivePath = flag.String("archive", "", "SQLite archive path (overrides config)")
	seedDemo    = flag.Bool("demo", false, "Seed demo devices")
	Version     = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadCollector(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *archivePath != "" {
		cfg.Archive.Path = *archivePath
	}
	if *seedDemo {
		cfg.SeedDemo = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := newLogger(cfg.Logging)
	log.Logger = logger
	logger.Info().Str("version", Version).Msg("gearwatch server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
		ServiceName:    "gearwatch-server",
		ServiceVersion: Version,
		Tracing:        cfg.Tracing,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}
	go srv.runMaintenance(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := srv.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown incomplete")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var logger zerolog.Logger
	if cfg.JSON || !cfg.HumanReadable {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "gearwatch-server").Logger()
}

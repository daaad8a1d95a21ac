package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/archive"
	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/config"
	"github.com/haasonsaas/gearwatch/pkg/credentials"
	"github.com/haasonsaas/gearwatch/pkg/detector"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/haasonsaas/gearwatch/pkg/ingest"
	"github.com/haasonsaas/gearwatch/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// Server is the collector. Each collaborator is built once in newServer and
// shared by the handlers.
type Server struct {
	cfg    *config.CollectorConfig
	logger zerolog.Logger
	clock  func() time.Time

	creds    *credentials.Store
	events   *events.Bus
	tokens   *auth.TokenService
	verifier *auth.Verifier
	detector *detector.Supervisor
	rates    *detector.RateCounter
	ingest   *ingest.Store
	archive  *archive.Archive
	limiter  ratelimit.Limiter
}

type serverOption func(*serverDeps)

type serverDeps struct {
	clock   func() time.Time
	limiter ratelimit.Limiter
}

func withClock(clock func() time.Time) serverOption {
	return func(d *serverDeps) { d.clock = clock }
}

func withLimiter(l ratelimit.Limiter) serverOption {
	return func(d *serverDeps) { d.limiter = l }
}

func newServer(cfg *config.CollectorConfig, logger zerolog.Logger, opts ...serverOption) (*Server, error) {
	deps := serverDeps{clock: time.Now}
	for _, opt := range opts {
		opt(&deps)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		clock:  deps.clock,
		creds:  credentials.NewStore(credentials.WithClock(deps.clock)),
		ingest: ingest.NewStore(cfg.Ingest.Retain, deps.clock),
		rates:  detector.NewRateCounter(deps.clock),
	}

	busOpts := []events.Option{
		events.WithClock(deps.clock),
		events.WithAlertLimit(cfg.Alerts.PerDeviceLimit),
	}
	if cfg.Archive.Path != "" {
		a, err := archive.Open(cfg.Archive.Path, logger)
		if err != nil {
			return nil, err
		}
		s.archive = a
		busOpts = append(busOpts, events.WithObserver(a))
	}
	s.events = events.New(logger, busOpts...)

	limiter, err := buildLimiter(cfg.RateLimit, deps)
	if err != nil {
		return nil, err
	}
	s.limiter = limiter

	secret, err := cfg.SigningSecret()
	if err != nil {
		return nil, fmt.Errorf("load signing secret: %w", err)
	}
	s.tokens, err = auth.NewTokenService(auth.TokenConfig{
		Secret:                 secret,
		Issuer:                 cfg.Auth.Issuer,
		UserTTL:                cfg.Auth.UserTTL(),
		DeviceTTL:              cfg.Auth.DeviceTTL(),
		FreshnessWindow:        cfg.Auth.Freshness(),
		RequireDeviceSignature: cfg.Auth.RequireDeviceSignature,
	}, s.creds, s.events, auth.WithTokenClock(deps.clock))
	if err != nil {
		return nil, err
	}
	s.verifier = auth.NewVerifier(s.creds, s.events)

	s.detector, err = detector.NewSupervisor(detector.Config{
		Threshold:   cfg.Detector.Threshold,
		MinDuration: time.Duration(cfg.Detector.MinDuration) * time.Second,
		Cooldown:    time.Duration(cfg.Detector.Cooldown) * time.Second,
		Tick:        cfg.Detector.Tick(),
	}, s.rates, s.events, logger,
		detector.WithSupervisorClock(deps.clock),
		detector.WithStopTimeout(time.Duration(cfg.Detector.StopTimeout)*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	s.creds.AddListener(s.detector)
	s.creds.AddListener(s)

	if err := s.seed(); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func buildLimiter(cfg config.RateLimitConfig, deps serverDeps) (ratelimit.Limiter, error) {
	if deps.limiter != nil {
		return deps.limiter, nil
	}
	if cfg.Backend == "redis" {
		return ratelimit.NewRedis(ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, deps.clock)
	}
	return ratelimit.NewMemory(deps.clock), nil
}

// DeviceRegistered implements credentials.Listener.
func (s *Server) DeviceRegistered(credentials.Device) {}

// DeviceRemoved drops the device's telemetry and rate window.
func (s *Server) DeviceRemoved(clientID string) {
	s.rates.Forget(clientID)
	s.ingest.Forget(clientID)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger), withOrigin())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.rateLimit("login", s.cfg.RateLimit.LoginPerMinute), s.handleLogin)
	authGroup.POST("/token", s.rateLimit("token", s.cfg.RateLimit.TokenPerMinute), s.handleDeviceToken)
	authGroup.GET("/verify", s.handleVerify)

	security := api.Group("/security")
	security.POST("/alert", s.requireSignature, s.handleDeviceAlert)
	security.GET("/logs", s.requireToken, s.requireAdmin, s.handleLogs)
	security.GET("/archive", s.requireToken, s.requireAdmin, s.handleArchive)
	security.GET("/device_alerts/:device_id", s.requireToken, s.requireDeviceScope, s.handleDeviceAlerts)
	security.GET("/status/:device_id", s.requireToken, s.requireDeviceScope, s.handleDetectorStatus)

	metrics := api.Group("/metrics")
	metrics.POST("/iot_data", s.requireSignature, s.handleTelemetry)
	metrics.GET("/iot_data/:device_id", s.requireToken, s.requireDeviceScope, s.handleListTelemetry)
	metrics.POST("/upload", s.requireToken, s.requireSignature, s.handleUpload)

	devices := api.Group("/devices", s.requireToken)
	devices.GET("", s.handleListDevices)
	devices.POST("/register", s.requireUser, s.handleRegisterDevice)
	devices.DELETE("/:device_id", s.requireAdmin, s.handleRemoveDevice)

	api.POST("/device/:device_id/command", s.requireToken, s.requireUser, s.handleDeviceCommand)
	return r
}

// runMaintenance prunes the archive and the in-memory limiter until ctx is
// done.
func (s *Server) runMaintenance(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if mem, ok := s.limiter.(*ratelimit.Memory); ok {
			mem.Prune()
		}
		if s.archive != nil && s.cfg.Archive.Retention > 0 {
			cutoff := s.clock().Add(-time.Duration(s.cfg.Archive.Retention) * time.Hour)
			n, err := s.archive.Prune(ctx, cutoff)
			if err != nil {
				s.logger.Warn().Err(err).Msg("archive prune failed")
			} else if n > 0 {
				s.logger.Info().Int64("rows", n).Msg("archive pruned")
			}
		}
	}
}

// Close stops the detector workers and flushes the archive.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.detector != nil {
		errs = append(errs, s.detector.Shutdown(ctx))
	}
	if s.archive != nil {
		errs = append(errs, s.archive.Close(ctx))
	}
	if closer, ok := s.limiter.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/config"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/haasonsaas/gearwatch/pkg/health"
	"github.com/haasonsaas/gearwatch/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "/etc/gearwatch/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Collector URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Report interval (overrides config)")
	flood      = flag.Float64("flood", 0, "Simulate an inbound flood of this many packets per second")
	once       = flag.Bool("once", false, "Send a single report and exit")
	Version    = "dev"
)

type Agent struct {
	config  *config.AgentConfig
	client  *collectorClient
	sampler *sampler
	// flooding is set while the local flood alert is raised.
	flooding bool
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("gearwatch agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Reporting.Interval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
		ServiceName:    "gearwatch-agent",
		ServiceVersion: Version,
		Tracing:        cfg.Tracing,
		Logger:         log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	agent, err := newAgent(cfg, *flood)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity")
	}
	log.Info().Str("client_id", agent.client.identity.ClientID).Str("device_type", cfg.Device.Type).Msg("Agent initialized")
	log.Info().Str("server", cfg.Server.URL).Int("interval_s", cfg.Reporting.Interval).Msg("Configuration loaded")

	status := health.Check(ctx, agent.client.http, cfg.Server.URL, cfg.Health.TimeDriftMaxS)
	if !status.Healthy {
		log.Warn().Interface("issues", status.Issues).Int("time_drift_s", status.TimeDrift).Msg("Health check reported issues")
	}

	if err := agent.run(ctx, *once); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Agent stopped")
	}
	log.Info().Msg("Agent stopped")
}

// newAgent loads the device identity, generating and saving a new one on
// first run.
func newAgent(cfg *config.AgentConfig, floodRate float64) (*Agent, error) {
	registered := true
	identity, err := auth.LoadIdentity(cfg.Device.IdentityPath)
	if errors.Is(err, fs.ErrNotExist) {
		identity, err = auth.GenerateIdentity(cfg.Device.Name, cfg.Device.Type)
		if err != nil {
			return nil, err
		}
		if err := identity.Save(cfg.Device.IdentityPath); err != nil {
			return nil, err
		}
		registered = false
		log.Info().Str("client_id", identity.ClientID).Str("path", cfg.Device.IdentityPath).Msg("Generated new device identity")
	} else if err != nil {
		return nil, err
	}
	if identity.DeviceType == "" {
		identity.DeviceType = cfg.Device.Type
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	retry := newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries)
	logger := log.Logger.With().Str("component", "collector_client").Logger()
	return &Agent{
		config:  cfg,
		client:  newCollectorClient(cfg.Server.URL, httpClient, retry, identity, registered, logger),
		sampler: newSampler(identity.DeviceType, time.Now().UnixNano(), floodRate),
	}, nil
}

// run acquires a device token and reports on the configured interval until
// ctx is done.
func (a *Agent) run(ctx context.Context, once bool) error {
	if _, err := a.client.Token(ctx); err != nil {
		return err
	}
	log.Info().Msg("Device token acquired")

	a.report(ctx)
	if once {
		return nil
	}

	jitter := time.Duration(a.config.Reporting.Jitter) * time.Second
	ticker := time.NewTicker(time.Duration(a.config.Reporting.Interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if jitter > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		a.report(ctx)
	}
}

func (a *Agent) report(ctx context.Context) {
	r := a.sampler.next(time.Now())
	if err := a.client.SendTelemetry(ctx, r.Payload); err != nil {
		log.Error().Err(err).Msg("Failed sending telemetry")
		return
	}
	log.Debug().Float64("events_per_second", r.PacketRate).Msg("Telemetry accepted")

	a.checkFlood(ctx, r)

	if a.config.Reporting.Upload {
		data, err := json.Marshal(r.Payload)
		if err == nil {
			err = a.client.Upload(ctx, data)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed uploading metrics")
		}
	}
}

// checkFlood raises one attack alert per local flood episode and a resolved
// alert when it ends.
func (a *Agent) checkFlood(ctx context.Context, r reading) {
	over := r.PacketRate > localFloodThreshold
	if over == a.flooding {
		return
	}
	alertType := events.AlertAttackResolved
	details := map[string]any{"packet_rate": r.PacketRate}
	if over {
		alertType = events.AlertAttackDetected
		details["attack_type"] = r.Payload["attack_type"]
	}
	if err := a.client.SendAlert(ctx, alertType, details); err != nil {
		log.Error().Err(err).Str("alert_type", alertType).Msg("Failed sending alert")
		return
	}
	a.flooding = over
	log.Warn().Str("alert_type", alertType).Float64("packet_rate", r.PacketRate).Msg("Local flood alert sent")
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("GEARWATCH_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("GEARWATCH_AGENT_LOG_FORMAT")))

	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	format := "console"
	if cfg.JSON || !cfg.HumanReadable {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

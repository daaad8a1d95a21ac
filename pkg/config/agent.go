package config

import (
	"strings"
	"time"
)

type AgentConfig struct {
	Server    EndpointConfig  `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Reporting ReportingConfig `yaml:"reporting"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type EndpointConfig struct {
	URL             string `yaml:"url"`
	AllowInsecure   bool   `yaml:"allow_insecure"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

// DeviceConfig describes the peripheral the agent speaks for. A missing
// identity file is generated on first run.
type DeviceConfig struct {
	IdentityPath string `yaml:"identity_path"`
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
}

type ReportingConfig struct {
	Interval int `yaml:"interval_s"`
	Jitter   int `yaml:"jitter_s"`
	// Upload sends each payload to the encrypted upload endpoint as well.
	Upload bool `yaml:"upload"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: EndpointConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Device: DeviceConfig{
			IdentityPath: "/var/lib/gearwatch/identity.json",
			Type:         "mouse",
		},
		Reporting: ReportingConfig{
			Interval: 5,
			Jitter:   1,
		},
		Health: HealthConfig{
			// tighter than the server's 300s freshness window
			TimeDriftMaxS: 120,
		},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadAgent reads config from file with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("GEARWATCH_SERVER_URL", &cfg.Server.URL)
	envString("GEARWATCH_IDENTITY_PATH", &cfg.Device.IdentityPath)
	envString("GEARWATCH_DEVICE_TYPE", &cfg.Device.Type)
	envString("GEARWATCH_DEVICE_NAME", &cfg.Device.Name)
	envString("GEARWATCH_LOG_LEVEL", &cfg.Logging.Level)
	envBool("GEARWATCH_ALLOW_INSECURE", &cfg.Server.AllowInsecure)
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Reporting.Interval < 1 {
		return ErrInvalidInterval
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !c.Server.AllowInsecure {
		return &Error{"server URL must be https"}
	}
	if c.Device.IdentityPath == "" {
		return &Error{"device.identity_path is required"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Health.TimeDriftMaxS <= 0 {
		c.Health.TimeDriftMaxS = 120
	}
	c.Tracing.normalize()
	return nil
}

func (c *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CollectorConfig configures the gearwatch server.
type CollectorConfig struct {
	Listen    string          `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Users     []UserSeed      `yaml:"users"`
	Devices   []DeviceSeed    `yaml:"devices"`
	SeedDemo  bool            `yaml:"seed_demo"`
	Detector  DetectorConfig  `yaml:"detector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Archive   ArchiveConfig   `yaml:"archive"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type AuthConfig struct {
	JWTSecret              string `yaml:"jwt_secret"`
	JWTSecretFile          string `yaml:"jwt_secret_file"`
	Issuer                 string `yaml:"issuer"`
	UserTokenTTL           int    `yaml:"user_token_ttl_s"`
	DeviceTokenTTL         int    `yaml:"device_token_ttl_s"`
	FreshnessWindow        int    `yaml:"freshness_window_s"`
	RequireDeviceSignature bool   `yaml:"require_device_signature"`
}

// UserSeed is a user created at startup. Either Password or a bcrypt
// PasswordHash must be set.
type UserSeed struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type DeviceSeed struct {
	ClientID string `yaml:"client_id"`
	Secret   string `yaml:"secret"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
}

type DetectorConfig struct {
	Threshold   float64 `yaml:"threshold"`
	MinDuration int     `yaml:"min_duration_s"`
	Cooldown    int     `yaml:"cooldown_s"`
	TickMs      int     `yaml:"tick_ms"`
	StopTimeout int     `yaml:"stop_timeout_ms"`
}

type AlertsConfig struct {
	PerDeviceLimit int `yaml:"per_device_limit"`
}

type IngestConfig struct {
	Retain int `yaml:"retain"`
}

// ArchiveConfig enables the SQLite event mirror when Path is set.
type ArchiveConfig struct {
	Path      string `yaml:"path"`
	Retention int    `yaml:"retention_h"`
}

type RateLimitConfig struct {
	Backend        string      `yaml:"backend"`
	LoginPerMinute int         `yaml:"login_per_minute"`
	TokenPerMinute int         `yaml:"token_per_minute"`
	FailClosed     bool        `yaml:"fail_closed"`
	Redis          RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Listen: ":8080",
		Auth: AuthConfig{
			Issuer:          "gearwatch",
			UserTokenTTL:    24 * 60 * 60,
			DeviceTokenTTL:  30 * 60,
			FreshnessWindow: 300,
		},
		Detector: DetectorConfig{
			Threshold:   50,
			MinDuration: 5,
			Cooldown:    10,
			TickMs:      1000,
			StopTimeout: 2000,
		},
		Alerts: AlertsConfig{PerDeviceLimit: 100},
		Ingest: IngestConfig{Retain: 100},
		RateLimit: RateLimitConfig{
			Backend:        "memory",
			LoginPerMinute: 20,
			TokenPerMinute: 60,
		},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadCollector reads config from file with env var overrides.
func LoadCollector(path string) (*CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("GEARWATCH_LISTEN", &cfg.Listen)
	envString("GEARWATCH_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("GEARWATCH_JWT_SECRET_FILE", &cfg.Auth.JWTSecretFile)
	envBool("GEARWATCH_REQUIRE_DEVICE_SIGNATURE", &cfg.Auth.RequireDeviceSignature)
	envString("GEARWATCH_ARCHIVE_PATH", &cfg.Archive.Path)
	envString("GEARWATCH_RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	envString("GEARWATCH_REDIS_ADDR", &cfg.RateLimit.Redis.Addr)
	envString("GEARWATCH_REDIS_PASSWORD", &cfg.RateLimit.Redis.Password)
	envInt("GEARWATCH_REDIS_DB", &cfg.RateLimit.Redis.DB)
	envBool("GEARWATCH_SEED_DEMO", &cfg.SeedDemo)
	envString("GEARWATCH_LOG_LEVEL", &cfg.Logging.Level)
	return cfg, nil
}

func (c *CollectorConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretFile == "" {
		return ErrMissingSecret
	}
	if c.Auth.UserTokenTTL <= 0 {
		c.Auth.UserTokenTTL = 24 * 60 * 60
	}
	if c.Auth.DeviceTokenTTL <= 0 {
		c.Auth.DeviceTokenTTL = 30 * 60
	}
	if c.Auth.FreshnessWindow <= 0 {
		c.Auth.FreshnessWindow = 300
	}
	for i, u := range c.Users {
		if u.Username == "" {
			return &Error{"users[" + strconv.Itoa(i) + "]: username is required"}
		}
		if u.Password == "" && u.PasswordHash == "" {
			return &Error{"users[" + strconv.Itoa(i) + "]: password or password_hash is required"}
		}
		if u.Role != "" && u.Role != "admin" && u.Role != "user" {
			return &Error{"users[" + strconv.Itoa(i) + "]: role must be admin or user"}
		}
	}
	for i, d := range c.Devices {
		if d.ClientID == "" || d.Secret == "" {
			return &Error{"devices[" + strconv.Itoa(i) + "]: client_id and secret are required"}
		}
	}
	if c.Detector.Threshold <= 0 {
		return &Error{"detector.threshold must be positive"}
	}
	if c.Detector.TickMs <= 0 {
		c.Detector.TickMs = 1000
	}
	if floor := 2 * c.Detector.TickMs; c.Detector.StopTimeout < floor {
		c.Detector.StopTimeout = floor
	}
	if c.Alerts.PerDeviceLimit <= 0 {
		c.Alerts.PerDeviceLimit = 100
	}
	if c.Ingest.Retain <= 0 {
		c.Ingest.Retain = 100
	}
	switch strings.ToLower(c.RateLimit.Backend) {
	case "", "memory":
		c.RateLimit.Backend = "memory"
	case "redis":
		c.RateLimit.Backend = "redis"
		if c.RateLimit.Redis.Addr == "" {
			return &Error{"rate_limit.redis.addr is required for the redis backend"}
		}
	default:
		return &Error{"rate_limit.backend must be memory or redis"}
	}
	c.Tracing.normalize()
	return nil
}

// SigningSecret returns the JWT signing key, reading JWTSecretFile if set.
func (c *CollectorConfig) SigningSecret() ([]byte, error) {
	if c.Auth.JWTSecretFile != "" {
		data, err := os.ReadFile(c.Auth.JWTSecretFile)
		if err != nil {
			return nil, err
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, &Error{"jwt secret file " + c.Auth.JWTSecretFile + " is empty"}
		}
		return []byte(secret), nil
	}
	return []byte(c.Auth.JWTSecret), nil
}

func (c DetectorConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c AuthConfig) UserTTL() time.Duration   { return seconds(c.UserTokenTTL) }
func (c AuthConfig) DeviceTTL() time.Duration { return seconds(c.DeviceTokenTTL) }
func (c AuthConfig) Freshness() time.Duration { return seconds(c.FreshnessWindow) }

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCollectorDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadCollector(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 300, cfg.Auth.FreshnessWindow)
	assert.Equal(t, 50.0, cfg.Detector.Threshold)
	assert.Equal(t, 100, cfg.Alerts.PerDeviceLimit)
	require.ErrorIs(t, cfg.Validate(), ErrMissingSecret)
}

func TestLoadCollectorFileAndEnv(t *testing.T) {
	path := writeFile(t, "server.yaml", `
listen: ":9000"
auth:
  jwt_secret: from-file
  require_device_signature: true
users:
  - username: admin
    password: admin
    role: admin
devices:
  - client_id: mouse-001
    secret: secret_mouse
    type: mouse
detector:
  threshold: 75
  tick_ms: 250
  stop_timeout_ms: 100
rate_limit:
  backend: redis
  redis:
    addr: localhost:6379
`)
	t.Setenv("GEARWATCH_JWT_SECRET", "from-env")
	t.Setenv("GEARWATCH_REDIS_DB", "3")

	cfg, err := LoadCollector(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Auth.RequireDeviceSignature)
	assert.Equal(t, 75.0, cfg.Detector.Threshold)
	assert.Equal(t, 500, cfg.Detector.StopTimeout)
	assert.Equal(t, 3, cfg.RateLimit.Redis.DB)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "mouse", cfg.Devices[0].Type)

	secret, err := cfg.SigningSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), secret)
}

func TestCollectorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CollectorConfig)
	}{
		{name: "user without password", mutate: func(c *CollectorConfig) { c.Users = []UserSeed{{Username: "x"}} }},
		{name: "bad role", mutate: func(c *CollectorConfig) { c.Users = []UserSeed{{Username: "x", Password: "y", Role: "root"}} }},
		{name: "device without secret", mutate: func(c *CollectorConfig) { c.Devices = []DeviceSeed{{ClientID: "d"}} }},
		{name: "threshold", mutate: func(c *CollectorConfig) { c.Detector.Threshold = 0 }},
		{name: "backend", mutate: func(c *CollectorConfig) { c.RateLimit.Backend = "memcached" }},
		{name: "redis without addr", mutate: func(c *CollectorConfig) { c.RateLimit.Backend = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCollectorConfig()
			cfg.Auth.JWTSecret = "k"
			tt.mutate(cfg)
			var cfgErr *Error
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
		})
	}
}

func TestSigningSecretFromFile(t *testing.T) {
	cfg := DefaultCollectorConfig()
	cfg.Auth.JWTSecretFile = writeFile(t, "jwt.key", "  file-secret\n")
	require.NoError(t, cfg.Validate())
	secret, err := cfg.SigningSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("file-secret"), secret)

	cfg.Auth.JWTSecretFile = writeFile(t, "empty.key", "\n")
	_, err = cfg.SigningSecret()
	require.Error(t, err)
}

func TestLoadCollectorRejectsBadYAML(t *testing.T) {
	_, err := LoadCollector(writeFile(t, "bad.yaml", "listen: [unclosed"))
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestAgentConfig(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
server:
  url: http://localhost:8080
  retry_initial_ms: 900
  retry_max_ms: 100
device:
  type: keyboard
reporting:
  interval_s: 2
`)
	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	require.Error(t, cfg.Validate(), "plain http needs allow_insecure")

	t.Setenv("GEARWATCH_ALLOW_INSECURE", "true")
	t.Setenv("GEARWATCH_DEVICE_NAME", "Desk Keyboard")
	cfg, err = LoadAgent(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "keyboard", cfg.Device.Type)
	assert.Equal(t, "Desk Keyboard", cfg.Device.Name)
	assert.Equal(t, 900, cfg.Server.RetryMaxMs)
	assert.Equal(t, 120, cfg.Health.TimeDriftMaxS)
}

func TestAgentValidateInterval(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Reporting.Interval = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidInterval)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/bundlehost/internal/testutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadWithLookup("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Framework.LaunchWorkers)
	assert.Equal(t, 64, cfg.Framework.EventQueueHint)
	assert.Equal(t, 30*time.Second, cfg.Framework.ShutdownTimeout)
	assert.Equal(t, "@every 30s", cfg.Deploy.ScanSchedule)
	assert.Equal(t, 10*time.Second, cfg.Deploy.RetryMaxElapsed)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Framework.StorageDir)
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bundlehost.yaml", `
framework:
  storage_dir: /var/cache/bundles
  clean_storage: true
  auto_start: [mem://a, mem://b]
  launch_workers: 2
  shutdown_timeout: 5s
  properties:
    region: eu
deploy:
  dir: /srv/bundles
admin:
  addr: ":8080"
log:
  level: debug
  format: json
`)
	cfg, err := LoadWithLookup(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/bundles", cfg.Framework.StorageDir)
	assert.True(t, cfg.Framework.CleanStorage)
	assert.Equal(t, []string{"mem://a", "mem://b"}, cfg.Framework.AutoStart)
	assert.Equal(t, 2, cfg.Framework.LaunchWorkers)
	assert.Equal(t, 5*time.Second, cfg.Framework.ShutdownTimeout)
	assert.Equal(t, map[string]string{"region": "eu"}, cfg.Framework.Properties)
	assert.Equal(t, "/srv/bundles", cfg.Deploy.Dir)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bundlehost.toml", `
[framework]
storage_dir = "/tmp/cache"
auto_install = ["mem://x"]
system_capabilities = ["service:logging@1.2.0"]

[log]
level = "warn"
`)
	cfg, err := LoadWithLookup(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cache", cfg.Framework.StorageDir)
	assert.Equal(t, []string{"mem://x"}, cfg.Framework.AutoInstall)
	assert.Equal(t, []string{"service:logging@1.2.0"}, cfg.Framework.SystemCapabilities)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Framework.LaunchWorkers)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bad.yaml", "framework:\n  storage: /x\n")
	_, err := LoadWithLookup(path, noEnv)
	require.Error(t, err)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bundlehost.ini", "x=1")
	_, err := LoadWithLookup(path, noEnv)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bundlehost.yaml", "log:\n  level: debug\n")
	env := map[string]string{
		"BUNDLEHOST_LOG_LEVEL":                     "error",
		"BUNDLEHOST_FRAMEWORK_AUTO_START":          "mem://a, mem://b",
		"BUNDLEHOST_FRAMEWORK_PROPERTIES":          "a=1,b=2",
		"BUNDLEHOST_FRAMEWORK_LAUNCH_WORKERS":      "8",
		"BUNDLEHOST_FRAMEWORK_CLEAN_STORAGE":       "true",
		"BUNDLEHOST_FRAMEWORK_SHUTDOWN_TIMEOUT":    "250ms",
		"BUNDLEHOST_DEPLOY_DISABLE_WATCH":          "true",
		"BUNDLEHOST_DEPLOY_RETRY_MAX_ELAPSED":      "1m",
		"BUNDLEHOST_ADMIN_ADDR":                    "127.0.0.1:0",
		"BUNDLEHOST_FRAMEWORK_EVENT_QUEUE_HINT":    "128",
		"BUNDLEHOST_FRAMEWORK_STORAGE_DIR":         "/data",
		"BUNDLEHOST_FRAMEWORK_SYSTEM_CAPABILITIES": "service:x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := LoadWithLookup(path, lookup)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, []string{"mem://a", "mem://b"}, cfg.Framework.AutoStart)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, cfg.Framework.Properties)
	assert.Equal(t, 8, cfg.Framework.LaunchWorkers)
	assert.True(t, cfg.Framework.CleanStorage)
	assert.Equal(t, 250*time.Millisecond, cfg.Framework.ShutdownTimeout)
	assert.True(t, cfg.Deploy.DisableWatch)
	assert.Equal(t, time.Minute, cfg.Deploy.RetryMaxElapsed)
	assert.Equal(t, "127.0.0.1:0", cfg.Admin.Addr)
	assert.Equal(t, 128, cfg.Framework.EventQueueHint)
	assert.Equal(t, "/data", cfg.Framework.StorageDir)
	assert.Equal(t, []string{"service:x"}, cfg.Framework.SystemCapabilities)
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	testutil.Isolate(t)
	testutil.SetEnv(t, "LOG_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Parallel()
	lookup := func(k string) (string, bool) {
		if k == "BUNDLEHOST_FRAMEWORK_LAUNCH_WORKERS" {
			return "many", true
		}
		return "", false
	}
	_, err := LoadWithLookup("", lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUNDLEHOST_FRAMEWORK_LAUNCH_WORKERS")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }, ErrInvalidLogLevel},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"negative workers", func(c *Config) { c.Framework.LaunchWorkers = -1 }, ErrInvalidLaunchWorkers},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			require.NoError(t, ApplyDefaults(cfg))
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestApplyDefaults_KeepsSetValues(t *testing.T) {
	t.Parallel()
	cfg := &FrameworkConfig{LaunchWorkers: 9}
	require.NoError(t, ApplyDefaults(cfg))
	assert.Equal(t, 9, cfg.LaunchWorkers)
	assert.Equal(t, 64, cfg.EventQueueHint)
}

func TestValidateRequired(t *testing.T) {
	t.Parallel()
	type inner struct {
		Name string `required:"true"`
	}
	type outer struct {
		Inner inner
		Port  int `required:"true"`
	}

	err := ValidateRequired(&outer{})
	require.ErrorIs(t, err, ErrConfigRequiredFieldMissing)
	assert.Contains(t, err.Error(), "Inner.Name")
	assert.Contains(t, err.Error(), "Port")

	require.NoError(t, ValidateRequired(&outer{Inner: inner{Name: "x"}, Port: 1}))
}

func TestStructValueErrors(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, ApplyDefaults(nil), ErrConfigNil)
	assert.ErrorIs(t, ApplyDefaults(Config{}), ErrConfigNotPointer)
	n := 3
	assert.ErrorIs(t, ApplyDefaults(&n), ErrConfigNotStruct)
}

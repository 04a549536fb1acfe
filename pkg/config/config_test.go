package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/config"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".hedwig"), cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Security.ConfirmationTimeout.Duration())
	assert.Equal(t, config.StoreFile, cfg.Store.Backend)
	assert.Equal(t, config.AuditJSONL, cfg.Audit.Backend)
	assert.Equal(t, 3, cfg.Dispatch.Workers)
	assert.Equal(t, 10, cfg.Dispatch.MaxIterations)
	assert.True(t, cfg.Artifacts.AutoOpenEnabled)
	assert.Equal(t, artifacts.DefaultAutoOpenTypes(), cfg.AutoOpenTypes())
	assert.Equal(t, 30, cfg.Artifacts.CleanupDays)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
data_dir: /var/lib/hedwig
log:
  level: debug
  format: json
security:
  confirmation_timeout: 3s
  watch_rules: true
  allowed_roots: [/srv/work]
tools:
  execute_timeout: 2m
  python_binary: python3.12
artifacts:
  auto_open_enabled: false
  auto_open_types: [pdf]
dispatch:
  workers: 5
  max_retries: 1
  backoff_base: 100ms
  backoff_max: 1s
store:
  backend: sqlite
llm:
  provider: offline
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hedwig", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3*time.Second, cfg.Security.ConfirmationTimeout.Duration())
	assert.True(t, cfg.Security.WatchRules)
	assert.Equal(t, []string{"/srv/work"}, cfg.Security.AllowedRoots)
	assert.Equal(t, "python3.12", cfg.Tools.PythonBinary)
	assert.False(t, cfg.Artifacts.AutoOpenEnabled)
	assert.Equal(t, []artifacts.Type{artifacts.TypePDF}, cfg.AutoOpenTypes())
	assert.Equal(t, 5, cfg.Dispatch.Workers)
	assert.Equal(t, config.StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/hedwig/hedwig.db", cfg.DatabasePath())

	timeouts := cfg.Timeouts()
	assert.Equal(t, 2*time.Minute, timeouts[risk.Execute])
	assert.Equal(t, 30*time.Second, timeouts[risk.ReadOnly])

	p := cfg.RetryPolicy()
	assert.Equal(t, 1, p.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, p.Base)
	assert.Equal(t, time.Second, p.Max)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "security:\n  confirmation_timeout: 3s\ndispatch:\n  workers: 2\n")
	t.Setenv("HEDWIG_SECURITY_CONFIRMATION_TIMEOUT", "5s")
	t.Setenv("HEDWIG_DISPATCH_MAX_RETRIES", "7")
	t.Setenv("HEDWIG_DATA_DIR", "/tmp/hedwig-env")
	t.Setenv("HEDWIG_TELEMETRY_ENABLED", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Security.ConfirmationTimeout.Duration())
	assert.Equal(t, 7, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, "/tmp/hedwig-env", cfg.DataDir)
	assert.True(t, cfg.ObservabilityConfig().Enabled)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "security:\n  confirmation_timeout: soon\n", "invalid duration"},
		{"negative duration", "dispatch:\n  backoff_base: -1s\n", "must not be negative"},
		{"unknown store", "store:\n  backend: postgres\n", "store.backend"},
		{"unknown audit", "audit:\n  backend: kafka\n", "audit.backend"},
		{"unknown provider", "llm:\n  provider: magic\n", "llm.provider"},
		{"bad artifact type", "artifacts:\n  auto_open_types: [movie]\n", "auto_open_types"},
		{"bad log format", "log:\n  format: xml\n", "log:"},
		{"backoff inverted", "dispatch:\n  backoff_base: 2s\n  backoff_max: 1s\n", "backoff_max"},
		{"negative workers", "dispatch:\n  workers: -2\n", "dispatch.workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d config.Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	js, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(js))
}

func TestWrite_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Dispatch.Workers = 5
	cfg.Artifacts.AutoOpenTypes = []string{"pdf"}
	cfg.Security.ConfirmationTimeout = config.Duration(20 * time.Second)
	require.NoError(t, cfg.Write(path, false))

	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, got.DataDir)
	assert.Equal(t, 5, got.Dispatch.Workers)
	assert.Equal(t, []string{"pdf"}, got.Artifacts.AutoOpenTypes)
	assert.Equal(t, 20*time.Second, got.Security.ConfirmationTimeout.Duration())
	assert.Equal(t, cfg.Tools.BashTimeout, got.Tools.BashTimeout)

	assert.ErrorIs(t, cfg.Write(path, false), config.ErrExists)
	require.NoError(t, cfg.Write(path, true))
}

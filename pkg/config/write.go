package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
)

// ErrExists is returned by Write when the target file is present and
// overwrite was not requested.
var ErrExists = errors.New("config: file already exists")

// Write saves c as YAML at path, creating parent directories.
func (c *Config) Write(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	data, err := yaml.Parser().Marshal(c.toMap())
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) toMap() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
			"output": c.Log.Output,
		},
		"security": map[string]any{
			"confirmation_timeout": c.Security.ConfirmationTimeout.String(),
			"rules_file":           c.Security.RulesFile,
			"watch_rules":          c.Security.WatchRules,
			"allowed_roots":        nonNil(c.Security.AllowedRoots),
		},
		"tools": map[string]any{
			"read_only_timeout":   c.Tools.ReadOnlyTimeout.String(),
			"write_timeout":       c.Tools.WriteTimeout.String(),
			"execute_timeout":     c.Tools.ExecuteTimeout.String(),
			"destructive_timeout": c.Tools.DestructiveTimeout.String(),
			"bash_timeout":        c.Tools.BashTimeout.String(),
			"python_timeout":      c.Tools.PythonTimeout.String(),
			"shell":               c.Tools.Shell,
			"python_binary":       c.Tools.PythonBinary,
		},
		"artifacts": map[string]any{
			"auto_open_enabled": c.Artifacts.AutoOpenEnabled,
			"auto_open_types":   nonNil(c.Artifacts.AutoOpenTypes),
			"duplicate_window":  c.Artifacts.DuplicateWindow.String(),
			"max_artifact_size": c.Artifacts.MaxArtifactSize,
			"cleanup_days":      c.Artifacts.CleanupDays,
		},
		"dispatch": map[string]any{
			"workers":        c.Dispatch.Workers,
			"max_retries":    c.Dispatch.MaxRetries,
			"backoff_base":   c.Dispatch.BackoffBase.String(),
			"backoff_max":    c.Dispatch.BackoffMax.String(),
			"max_iterations": c.Dispatch.MaxIterations,
		},
		"store": map[string]any{"backend": c.Store.Backend},
		"audit": map[string]any{"backend": c.Audit.Backend},
		"llm": map[string]any{
			"provider":    c.LLM.Provider,
			"model":       c.LLM.Model,
			"base_url":    c.LLM.BaseURL,
			"api_key_env": c.LLM.APIKeyEnv,
		},
		"telemetry": map[string]any{
			"enabled":       c.Telemetry.Enabled,
			"otlp_endpoint": c.Telemetry.OTLPEndpoint,
			"service_name":  c.Telemetry.ServiceName,
			"insecure":      c.Telemetry.Insecure,
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

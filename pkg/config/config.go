// Package config loads Hedwig's settings.
//
// Precedence, highest first:
//  1. HEDWIG_ environment variables (HEDWIG_SECURITY_CONFIRMATION_TIMEOUT=5s)
//  2. the YAML file (~/.hedwig/config.yaml or --config)
//  3. built-in defaults
//
// Environment keys drop the prefix and split on the first underscore into
// section and field, so HEDWIG_DISPATCH_MAX_RETRIES sets dispatch.max_retries.
// HEDWIG_DATA_DIR is the one top-level key.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/sahan-penakalapati/hedwig/pkg/artifacts"
	"github.com/sahan-penakalapati/hedwig/pkg/logging"
	"github.com/sahan-penakalapati/hedwig/pkg/observability"
	"github.com/sahan-penakalapati/hedwig/pkg/retry"
	"github.com/sahan-penakalapati/hedwig/pkg/risk"
)

const (
	EnvPrefix = "HEDWIG_"
	FileName  = "config.yaml"

	maxFileSize = 1024 * 1024
)

// Backends.
const (
	StoreFile    = "file"
	StoreSQLite  = "sqlite"
	AuditJSONL   = "jsonl"
	AuditSQLite  = "sqlite"
	LLMOpenAI    = "openai"
	LLMLangChain = "langchain"
	LLMOffline   = "offline"
)

type Config struct {
	DataDir   string          `koanf:"data_dir"`
	Log       logging.Config  `koanf:"log"`
	Security  SecurityConfig  `koanf:"security"`
	Tools     ToolsConfig     `koanf:"tools"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Store     StoreConfig     `koanf:"store"`
	Audit     AuditConfig     `koanf:"audit"`
	LLM       LLMConfig       `koanf:"llm"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type SecurityConfig struct {
	ConfirmationTimeout Duration `koanf:"confirmation_timeout"`
	// RulesFile replaces the embedded rule set when set.
	RulesFile    string   `koanf:"rules_file"`
	WatchRules   bool     `koanf:"watch_rules"`
	AllowedRoots []string `koanf:"allowed_roots"`
}

// ToolsConfig bounds tool execution. Per-tier timeouts apply unless a tool
// declares its own.
type ToolsConfig struct {
	ReadOnlyTimeout    Duration `koanf:"read_only_timeout"`
	WriteTimeout       Duration `koanf:"write_timeout"`
	ExecuteTimeout     Duration `koanf:"execute_timeout"`
	DestructiveTimeout Duration `koanf:"destructive_timeout"`
	BashTimeout        Duration `koanf:"bash_timeout"`
	PythonTimeout      Duration `koanf:"python_timeout"`
	Shell              string   `koanf:"shell"`
	PythonBinary       string   `koanf:"python_binary"`
}

type ArtifactsConfig struct {
	AutoOpenEnabled bool     `koanf:"auto_open_enabled"`
	AutoOpenTypes   []string `koanf:"auto_open_types"`
	DuplicateWindow Duration `koanf:"duplicate_window"`
	MaxArtifactSize int64    `koanf:"max_artifact_size"`
	// CleanupDays <= 0 disables automatic cleanup.
	CleanupDays int `koanf:"cleanup_days"`
}

type DispatchConfig struct {
	Workers       int      `koanf:"workers"`
	MaxRetries    int      `koanf:"max_retries"`
	BackoffBase   Duration `koanf:"backoff_base"`
	BackoffMax    Duration `koanf:"backoff_max"`
	MaxIterations int      `koanf:"max_iterations"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"`
}

type AuditConfig struct {
	Backend string `koanf:"backend"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	// APIKeyEnv names the variable holding the key; the key itself is
	// never read from the config file.
	APIKeyEnv string `koanf:"api_key_env"`
}

// APIKey reads the key from the configured environment variable.
func (c LLMConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
	Insecure     bool   `koanf:"insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	types := make([]string, 0, 3)
	for _, t := range artifacts.DefaultAutoOpenTypes() {
		types = append(types, string(t))
	}
	return &Config{
		DataDir: DefaultDataDir(),
		Log:     *logging.NewDefaultConfig(),
		Security: SecurityConfig{
			ConfirmationTimeout: Duration(10 * time.Second),
		},
		Tools: ToolsConfig{
			ReadOnlyTimeout:    Duration(30 * time.Second),
			WriteTimeout:       Duration(60 * time.Second),
			ExecuteTimeout:     Duration(5 * time.Minute),
			DestructiveTimeout: Duration(5 * time.Minute),
			BashTimeout:        Duration(5 * time.Minute),
			PythonTimeout:      Duration(5 * time.Minute),
			Shell:              "/bin/bash",
			PythonBinary:       "python3",
		},
		Artifacts: ArtifactsConfig{
			AutoOpenEnabled: true,
			AutoOpenTypes:   types,
			DuplicateWindow: Duration(artifacts.DefaultDuplicateWindow),
			MaxArtifactSize: artifacts.DefaultMaxSize,
			CleanupDays:     30,
		},
		Dispatch: DispatchConfig{
			Workers:       3,
			MaxRetries:    retry.DefaultMaxRetries,
			BackoffBase:   Duration(retry.DefaultBase),
			BackoffMax:    Duration(retry.DefaultMax),
			MaxIterations: 10,
		},
		Store:     StoreConfig{Backend: StoreFile},
		Audit:     AuditConfig{Backend: AuditJSONL},
		LLM:       LLMConfig{Provider: LLMOpenAI, Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
		Telemetry: TelemetryConfig{OTLPEndpoint: "localhost:4317", ServiceName: "hedwig", Insecure: true},
	}
}

// DefaultDataDir is ~/.hedwig, or .hedwig when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hedwig"
	}
	return filepath.Join(home, ".hedwig")
}

// DefaultPath is the config file inside the default data directory.
func DefaultPath() string { return filepath.Join(DefaultDataDir(), FileName) }

// Load reads path, then the environment. An empty path means DefaultPath,
// which may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	content, err := readFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	// Lists are replaced, not merged element by element.
	if k.Exists("artifacts.auto_open_types") {
		cfg.Artifacts.AutoOpenTypes = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxFileSize)
	}
	return io.ReadAll(f)
}

// envKey maps HEDWIG_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if lower == "data_dir" {
		return lower
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills values left empty by the file or environment.
func applyDefaults(c *Config) {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Output == "" {
		c.Log.Output = d.Log.Output
	}
	if c.Security.ConfirmationTimeout == 0 {
		c.Security.ConfirmationTimeout = d.Security.ConfirmationTimeout
	}
	c.Security.RulesFile = expandHome(c.Security.RulesFile)
	for i, r := range c.Security.AllowedRoots {
		c.Security.AllowedRoots[i] = expandHome(r)
	}
	if c.Tools.Shell == "" {
		c.Tools.Shell = d.Tools.Shell
	}
	if c.Tools.PythonBinary == "" {
		c.Tools.PythonBinary = d.Tools.PythonBinary
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = d.Dispatch.Workers
	}
	if c.Dispatch.MaxIterations == 0 {
		c.Dispatch.MaxIterations = d.Dispatch.MaxIterations
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = d.Audit.Backend
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Security.ConfirmationTimeout <= 0 {
		return errors.New("security.confirmation_timeout must be positive")
	}
	if c.Tools.Shell == "" || c.Tools.PythonBinary == "" {
		return errors.New("tools.shell and tools.python_binary must be set")
	}
	for _, t := range c.Artifacts.AutoOpenTypes {
		if _, err := artifacts.ParseType(t); err != nil {
			return fmt.Errorf("artifacts.auto_open_types: %w", err)
		}
	}
	if c.Artifacts.MaxArtifactSize < 0 {
		return errors.New("artifacts.max_artifact_size must not be negative")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.MaxRetries < 0 {
		return errors.New("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.BackoffMax > 0 && c.Dispatch.BackoffMax < c.Dispatch.BackoffBase {
		return errors.New("dispatch.backoff_max must not be below dispatch.backoff_base")
	}
	if c.Dispatch.MaxIterations < 1 {
		return errors.New("dispatch.max_iterations must be at least 1")
	}
	switch c.Store.Backend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("store.backend must be %s or %s, got %q", StoreFile, StoreSQLite, c.Store.Backend)
	}
	switch c.Audit.Backend {
	case AuditJSONL, AuditSQLite:
	default:
		return fmt.Errorf("audit.backend must be %s or %s, got %q", AuditJSONL, AuditSQLite, c.Audit.Backend)
	}
	switch c.LLM.Provider {
	case LLMOpenAI, LLMLangChain, LLMOffline:
	default:
		return fmt.Errorf("llm.provider must be one of openai, langchain, offline, got %q", c.LLM.Provider)
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}

// Timeouts returns the per-tier tool timeouts; zero entries are omitted.
func (c *Config) Timeouts() map[risk.Tier]time.Duration {
	out := map[risk.Tier]time.Duration{}
	for tier, d := range map[risk.Tier]Duration{
		risk.ReadOnly:    c.Tools.ReadOnlyTimeout,
		risk.Write:       c.Tools.WriteTimeout,
		risk.Execute:     c.Tools.ExecuteTimeout,
		risk.Destructive: c.Tools.DestructiveTimeout,
	} {
		if d > 0 {
			out[tier] = d.Duration()
		}
	}
	return out
}

// RetryPolicy derives the dispatcher's backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Dispatch.MaxRetries,
		Base:       c.Dispatch.BackoffBase.Duration(),
		Max:        c.Dispatch.BackoffMax.Duration(),
		MaxJitter:  c.Dispatch.BackoffBase.Duration() / 2,
	}
}

// AutoOpenTypes parses the configured types; Validate has vetted them.
func (c *Config) AutoOpenTypes() []artifacts.Type {
	out := make([]artifacts.Type, 0, len(c.Artifacts.AutoOpenTypes))
	for _, s := range c.Artifacts.AutoOpenTypes {
		if t, err := artifacts.ParseType(s); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// ObservabilityConfig maps the telemetry section onto the otel provider config.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	oc.ServiceName = c.Telemetry.ServiceName
	oc.Insecure = c.Telemetry.Insecure
	return oc
}

// ThreadsDir holds one directory per thread.
func (c *Config) ThreadsDir() string { return filepath.Join(c.DataDir, "threads") }

// DatabasePath is the SQLite file shared by the sqlite backends.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "hedwig.db") }

// AuditPath is the JSONL audit trail.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.jsonl") }

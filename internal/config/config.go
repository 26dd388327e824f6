// Package config loads and validates the daemon's configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	Version       int                 `yaml:"version"`
	Socket        SocketConfig        `yaml:"socket"`
	Paths         PathsConfig         `yaml:"paths"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Security      SecurityConfig      `yaml:"security"`
	EventLog      EventLogConfig      `yaml:"event_log"`
	State         StateConfig         `yaml:"state"`
	Completion    CompletionConfig    `yaml:"completion"`
	Provider      ProviderConfig      `yaml:"provider"`
	CircuitBreak  CircuitBreakConfig  `yaml:"circuit_breaker"`
	Sandbox       SandboxRootConfig   `yaml:"sandbox"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

// SocketConfig configures the Unix-domain stream socket transport.
type SocketConfig struct {
	Path          string        `yaml:"path"`
	TimeoutS      time.Duration `yaml:"timeout"`
	MaxConnBuffer int           `yaml:"max_conn_buffer"`
}

// PathsConfig resolves the daemon's on-disk var/ layout.
type PathsConfig struct {
	Base    string `yaml:"base"`
	Run     string `yaml:"run"`
	Logs    string `yaml:"logs"`
	DB      string `yaml:"db"`
	Lib     string `yaml:"lib"`
	Sandbox string `yaml:"sandbox"`
}

// EventLogConfig tunes the three-layer event log.
type EventLogConfig struct {
	RingSize           int           `yaml:"ring_size"`
	ReferenceThreshold int           `yaml:"reference_threshold"`
	BatchSize          int           `yaml:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
}

// StateConfig tunes the state store.
type StateConfig struct {
	QueueSweepInterval time.Duration `yaml:"queue_sweep_interval"`
}

// CompletionConfig tunes the completion scheduler.
type CompletionConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// ProviderConfig maps model names to the provider subprocess argv that
// serves them.
type ProviderConfig struct {
	Commands map[string][]string `yaml:"commands"`
	Default  []string            `yaml:"default"`
	WorkDir  string              `yaml:"work_dir"`
}

// CircuitBreakConfig tunes the circuit breaker.
type CircuitBreakConfig struct {
	MaxDepth         int           `yaml:"max_depth"`
	TokenBudget      int           `yaml:"token_budget"`
	TimeWindow       time.Duration `yaml:"time_window"`
	PoisoningScore   float64       `yaml:"poisoning_score_threshold"`
	CircularLookback int           `yaml:"circular_lookback"`
}

// SandboxRootConfig configures the agent sandbox root and the tool-level
// sandboxing policy applied on top of it.
type SandboxRootConfig struct {
	Root    string `yaml:"root"`
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`  // "off" | "all" | "non-main"
	Scope   string `yaml:"scope"` // "agent" | "session" | "shared"
}

// MaintenanceConfig tunes the cron-driven sweep jobs.
type MaintenanceConfig struct {
	CorrelationGCInterval  time.Duration `yaml:"correlation_gc_interval"`
	CorrelationMaxAgeHours int           `yaml:"correlation_max_age_hours"`
	QueueGCInterval        time.Duration `yaml:"queue_gc_interval"`
	WALCheckpointInterval  time.Duration `yaml:"wal_checkpoint_interval"`
}

const envPrefix = "KSI_"

// Load reads path, resolves $include directives and env expansion via
// LoadRaw, decodes into Config, applies KSI_-prefixed env overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize applies env overrides, defaults, and validation to a
// Config built in memory (no file on disk). Load uses the same steps
// after decoding.
func Finalize(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.Base == "" {
		cfg.Paths.Base = "var"
	}
	base := cfg.Paths.Base
	if cfg.Paths.Run == "" {
		cfg.Paths.Run = base + "/run"
	}
	if cfg.Paths.Logs == "" {
		cfg.Paths.Logs = base + "/logs"
	}
	if cfg.Paths.DB == "" {
		cfg.Paths.DB = base + "/db"
	}
	if cfg.Paths.Lib == "" {
		cfg.Paths.Lib = base + "/lib"
	}
	if cfg.Paths.Sandbox == "" {
		cfg.Paths.Sandbox = base + "/sandbox"
	}
	if cfg.Sandbox.Root == "" {
		cfg.Sandbox.Root = cfg.Paths.Sandbox
	}
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = "all"
	}
	if cfg.Sandbox.Scope == "" {
		cfg.Sandbox.Scope = "agent"
	}
	if cfg.Sandbox.Mode != "off" {
		cfg.Sandbox.Enabled = true
	}

	if cfg.Socket.Path == "" {
		cfg.Socket.Path = cfg.Paths.Run + "/daemon.sock"
	}
	if cfg.Socket.TimeoutS == 0 {
		cfg.Socket.TimeoutS = 30 * time.Second
	}
	if cfg.Socket.MaxConnBuffer == 0 {
		cfg.Socket.MaxConnBuffer = 256
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.EventLog.RingSize == 0 {
		cfg.EventLog.RingSize = 2000
	}
	if cfg.EventLog.ReferenceThreshold == 0 {
		cfg.EventLog.ReferenceThreshold = 4096
	}
	if cfg.EventLog.BatchSize == 0 {
		cfg.EventLog.BatchSize = 50
	}
	if cfg.EventLog.FlushInterval == 0 {
		cfg.EventLog.FlushInterval = 1 * time.Second
	}

	if cfg.State.QueueSweepInterval == 0 {
		cfg.State.QueueSweepInterval = 30 * time.Second
	}

	if cfg.Completion.MaxConcurrent == 0 {
		cfg.Completion.MaxConcurrent = 16
	}
	if cfg.Completion.RequestTimeout == 0 {
		cfg.Completion.RequestTimeout = 5 * time.Minute
	}
	if cfg.Completion.ShutdownGrace == 0 {
		cfg.Completion.ShutdownGrace = 10 * time.Second
	}

	if len(cfg.Provider.Default) == 0 {
		cfg.Provider.Default = []string{"ksi-provider"}
	}

	if cfg.CircuitBreak.MaxDepth == 0 {
		cfg.CircuitBreak.MaxDepth = 10
	}
	if cfg.CircuitBreak.TokenBudget == 0 {
		cfg.CircuitBreak.TokenBudget = 100_000
	}
	if cfg.CircuitBreak.TimeWindow == 0 {
		cfg.CircuitBreak.TimeWindow = 1 * time.Hour
	}
	if cfg.CircuitBreak.PoisoningScore == 0 {
		cfg.CircuitBreak.PoisoningScore = 0.7
	}
	if cfg.CircuitBreak.CircularLookback == 0 {
		cfg.CircuitBreak.CircularLookback = 5
	}

	if cfg.Maintenance.CorrelationGCInterval == 0 {
		cfg.Maintenance.CorrelationGCInterval = 5 * time.Minute
	}
	if cfg.Maintenance.CorrelationMaxAgeHours == 0 {
		cfg.Maintenance.CorrelationMaxAgeHours = 24
	}
	if cfg.Maintenance.QueueGCInterval == 0 {
		cfg.Maintenance.QueueGCInterval = 1 * time.Minute
	}
	if cfg.Maintenance.WALCheckpointInterval == 0 {
		cfg.Maintenance.WALCheckpointInterval = 10 * time.Minute
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
}

func validateConfig(cfg *Config) error {
	if cfg.CircuitBreak.MaxDepth <= 0 {
		return fmt.Errorf("circuit_breaker.max_depth must be positive")
	}
	if cfg.EventLog.RingSize <= 0 {
		return fmt.Errorf("event_log.ring_size must be positive")
	}
	if cfg.Completion.MaxConcurrent <= 0 {
		return fmt.Errorf("completion.max_concurrent must be positive")
	}
	return nil
}

// applyEnvOverrides scans KSI_-prefixed environment variables and
// overrides the matching settings. Only scalar leaf fields that are
// operationally critical are covered.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "SOCKET_PATH"); v != "" {
		cfg.Socket.Path = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(envPrefix + "PATHS_BASE"); v != "" {
		cfg.Paths.Base = v
	}
	if v := os.Getenv(envPrefix + "SANDBOX_ROOT"); v != "" {
		cfg.Sandbox.Root = v
	}
	if v := os.Getenv(envPrefix + "COMPLETION_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Completion.MaxConcurrent = n
		}
	}
	if v := os.Getenv(envPrefix + "EVENT_REFERENCE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventLog.ReferenceThreshold = n
		}
	}
	if v := os.Getenv(envPrefix + "EVENT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventLog.BatchSize = n
		}
	}
	if v := os.Getenv(envPrefix + "EVENT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.EventLog.FlushInterval = d
		}
	}
	if v := os.Getenv(envPrefix + "SOCKET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Socket.TimeoutS = d
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "taskdaemon"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "taskdaemon"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TASKDAEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l.setDefaults(cfg)
}

// setDefaults sets all default values in Viper. AutomaticEnv only sees keys
// Viper already knows about, so every leaf is registered here.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Database
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Loop defaults
	v.SetDefault("loop_defaults.max_iterations", cfg.LoopDefaults.MaxIterations)
	v.SetDefault("loop_defaults.max_turns_per_iteration", cfg.LoopDefaults.MaxTurnsPerIteration)
	v.SetDefault("loop_defaults.iteration_timeout_ms", cfg.LoopDefaults.IterationTimeoutMs)
	v.SetDefault("loop_defaults.success_exit_code", cfg.LoopDefaults.SuccessExitCode)
	v.SetDefault("loop_defaults.call_timeout", cfg.LoopDefaults.CallTimeout)
	v.SetDefault("loop_defaults.poll_interval", cfg.LoopDefaults.PollInterval)
	v.SetDefault("loop_defaults.max_retries", cfg.LoopDefaults.MaxRetries)
	v.SetDefault("loop_defaults.retry_backoff", cfg.LoopDefaults.RetryBackoff)
	v.SetDefault("loop_defaults.max_backoff", cfg.LoopDefaults.MaxBackoff)
	v.SetDefault("loop_defaults.output_tail_lines", cfg.LoopDefaults.OutputTailLines)
	v.SetDefault("loop_defaults.system_prompt", cfg.LoopDefaults.SystemPrompt)

	// Scheduler
	v.SetDefault("scheduler.max_concurrent", cfg.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.priority_classes", cfg.Scheduler.PriorityClasses)
	v.SetDefault("scheduler.default_priority_class", cfg.Scheduler.DefaultPriorityClass)
	v.SetDefault("scheduler.rate_limit_requests", cfg.Scheduler.RateLimitRequests)
	v.SetDefault("scheduler.rate_limit_window", cfg.Scheduler.RateLimitWindow)
	v.SetDefault("scheduler.wait_timeout", cfg.Scheduler.WaitTimeout)
	v.SetDefault("scheduler.lease_timeout", cfg.Scheduler.LeaseTimeout)
	v.SetDefault("scheduler.reap_interval", cfg.Scheduler.ReapInterval)
	v.SetDefault("scheduler.retry_hint", cfg.Scheduler.RetryHint)

	// Coordinator
	v.SetDefault("coordinator.queue_capacity", cfg.Coordinator.QueueCapacity)
	v.SetDefault("coordinator.relay_interval", cfg.Coordinator.RelayInterval)
	v.SetDefault("coordinator.nats_url", cfg.Coordinator.NATSURL)
	v.SetDefault("coordinator.nats_subject", cfg.Coordinator.NATSSubject)

	// Reasoning
	v.SetDefault("reasoning.provider", cfg.Reasoning.Provider)
	v.SetDefault("reasoning.model", cfg.Reasoning.Model)
	v.SetDefault("reasoning.api_key_env", cfg.Reasoning.APIKeyEnv)
	v.SetDefault("reasoning.max_tokens", cfg.Reasoning.MaxTokens)
	v.SetDefault("reasoning.temperature", cfg.Reasoning.Temperature)

	// Telemetry
	v.SetDefault("telemetry.endpoint", cfg.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", cfg.Telemetry.Insecure)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)

	// Watch
	v.SetDefault("watch.enabled", cfg.Watch.Enabled)
	v.SetDefault("watch.branch", cfg.Watch.Branch)
	v.SetDefault("watch.debounce", cfg.Watch.Debounce)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

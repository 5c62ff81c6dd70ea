// Package config handles taskdaemon configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure for taskdaemon.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Defaults applied to every loop unless the loop overrides them
	LoopDefaults LoopConfig `yaml:"loop_defaults" mapstructure:"loop_defaults"`

	// Admission scheduler settings
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`

	// Coordinator settings
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`

	// Reasoning service settings
	Reasoning ReasoningConfig `yaml:"reasoning" mapstructure:"reasoning"`

	// Telemetry settings
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Branch watcher settings
	Watch WatchConfig `yaml:"watch" mapstructure:"watch"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where taskdaemon stores its data (default: ~/.local/share/taskdaemon).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/taskdaemon).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// LoopConfig contains per-loop defaults.
type LoopConfig struct {
	// MaxIterations is the number of validated iterations before a loop fails.
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`

	// MaxTurnsPerIteration caps reasoning calls within one iteration.
	MaxTurnsPerIteration int `yaml:"max_turns_per_iteration" mapstructure:"max_turns_per_iteration"`

	// IterationTimeoutMs bounds the validation command.
	IterationTimeoutMs int `yaml:"iteration_timeout_ms" mapstructure:"iteration_timeout_ms"`

	// SuccessExitCode is the validation exit code that completes a loop.
	SuccessExitCode int `yaml:"success_exit_code" mapstructure:"success_exit_code"`

	// CallTimeout bounds one reasoning-service call.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	// PollInterval is how often paused or blocked loops check for messages.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// MaxRetries is the number of consecutive recoverable errors tolerated.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RetryBackoff is the base delay between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`

	// OutputTailLines is how many lines of validation output are kept.
	OutputTailLines int `yaml:"output_tail_lines" mapstructure:"output_tail_lines"`

	// SystemPrompt is prepended to every reasoning request.
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt"`
}

// IterationTimeout returns IterationTimeoutMs as a duration.
func (c LoopConfig) IterationTimeout() time.Duration {
	return time.Duration(c.IterationTimeoutMs) * time.Millisecond
}

// SchedulerConfig contains admission scheduler settings.
type SchedulerConfig struct {
	// MaxConcurrent is the number of reasoning calls allowed in flight.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`

	// PriorityClasses maps class names to priorities (higher is more urgent).
	PriorityClasses map[string]int `yaml:"priority_classes" mapstructure:"priority_classes"`

	// DefaultPriorityClass is used when a loop names no class.
	DefaultPriorityClass string `yaml:"default_priority_class" mapstructure:"default_priority_class"`

	// RateLimitRequests is the number of grants allowed per window (0 disables).
	RateLimitRequests int `yaml:"rate_limit_requests" mapstructure:"rate_limit_requests"`

	// RateLimitWindow is the rolling window for RateLimitRequests.
	RateLimitWindow time.Duration `yaml:"rate_limit_window" mapstructure:"rate_limit_window"`

	// WaitTimeout bounds how long a caller waits for a ticket.
	WaitTimeout time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`

	// LeaseTimeout reclaims tickets held longer than this.
	LeaseTimeout time.Duration `yaml:"lease_timeout" mapstructure:"lease_timeout"`

	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`

	// RetryHint is suggested to callers that time out while slots are busy.
	RetryHint time.Duration `yaml:"retry_hint" mapstructure:"retry_hint"`
}

// Priority resolves a class name to a priority.
func (c SchedulerConfig) Priority(class string) (int, error) {
	class = strings.TrimSpace(class)
	if class == "" {
		class = c.DefaultPriorityClass
	}
	p, ok := c.PriorityClasses[strings.ToLower(class)]
	if !ok {
		names := make([]string, 0, len(c.PriorityClasses))
		for name := range c.PriorityClasses {
			names = append(names, name)
		}
		sort.Strings(names)
		return 0, fmt.Errorf("unknown priority class %q (known: %s)", class, strings.Join(names, ", "))
	}
	return p, nil
}

// CoordinatorConfig contains message routing settings.
type CoordinatorConfig struct {
	// QueueCapacity bounds each inbox and the broadcast log.
	QueueCapacity int `yaml:"queue_capacity" mapstructure:"queue_capacity"`

	// RelayInterval is how often the persistent control queue is polled.
	RelayInterval time.Duration `yaml:"relay_interval" mapstructure:"relay_interval"`

	// NATSURL enables the NATS relay when set.
	NATSURL string `yaml:"nats_url" mapstructure:"nats_url"`

	// NATSSubject is the subject the relay subscribes to.
	NATSSubject string `yaml:"nats_subject" mapstructure:"nats_subject"`
}

// ReasoningConfig contains reasoning service settings.
type ReasoningConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Model       string  `yaml:"model" mapstructure:"model"`
	APIKeyEnv   string  `yaml:"api_key_env" mapstructure:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// APIKey reads the key from the configured environment variable.
func (c ReasoningConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// TelemetryConfig contains OpenTelemetry export settings.
type TelemetryConfig struct {
	// Endpoint is the OTLP HTTP endpoint; empty disables export.
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// WatchConfig contains branch watcher settings.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Branch   string        `yaml:"branch" mapstructure:"branch"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "taskdaemon"),
			ConfigDir: filepath.Join(homeDir, ".config", "taskdaemon"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/taskdaemon.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		LoopDefaults: LoopConfig{
			MaxIterations:        100,
			MaxTurnsPerIteration: 50,
			IterationTimeoutMs:   300000,
			SuccessExitCode:      0,
			CallTimeout:          5 * time.Minute,
			PollInterval:         2 * time.Second,
			MaxRetries:           5,
			RetryBackoff:         5 * time.Second,
			MaxBackoff:           5 * time.Minute,
			OutputTailLines:      200,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			PriorityClasses: map[string]int{
				"low":    0,
				"normal": 50,
				"high":   100,
			},
			DefaultPriorityClass: "normal",
			RateLimitRequests:    50,
			RateLimitWindow:      time.Minute,
			WaitTimeout:          2 * time.Minute,
			LeaseTimeout:         15 * time.Minute,
			ReapInterval:         30 * time.Second,
			RetryHint:            5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			QueueCapacity: 256,
			RelayInterval: time.Second,
			NATSSubject:   "taskdaemon.messages",
		},
		Reasoning: ReasoningConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			MaxTokens:   8192,
			Temperature: 0.2,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "taskdaemon",
		},
		Watch: WatchConfig{
			Enabled:  true,
			Branch:   "main",
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.DataDir) == "" {
		return fmt.Errorf("global.data_dir is required")
	}
	if strings.TrimSpace(c.Global.ConfigDir) == "" {
		return fmt.Errorf("global.config_dir is required")
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be zero or greater")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	loop := c.LoopDefaults
	if loop.MaxIterations < 1 {
		return fmt.Errorf("loop_defaults.max_iterations must be at least 1")
	}
	if loop.MaxTurnsPerIteration < 1 {
		return fmt.Errorf("loop_defaults.max_turns_per_iteration must be at least 1")
	}
	if loop.IterationTimeoutMs <= 0 {
		return fmt.Errorf("loop_defaults.iteration_timeout_ms must be greater than 0")
	}
	if loop.CallTimeout <= 0 {
		return fmt.Errorf("loop_defaults.call_timeout must be greater than 0")
	}
	if loop.PollInterval <= 0 {
		return fmt.Errorf("loop_defaults.poll_interval must be greater than 0")
	}
	if loop.MaxRetries < 0 {
		return fmt.Errorf("loop_defaults.max_retries must be zero or greater")
	}
	if loop.RetryBackoff <= 0 || loop.MaxBackoff < loop.RetryBackoff {
		return fmt.Errorf("loop_defaults.retry_backoff must be > 0 and <= max_backoff")
	}

	s := c.Scheduler
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	if len(s.PriorityClasses) == 0 {
		return fmt.Errorf("scheduler.priority_classes must define at least one class")
	}
	if _, err := s.Priority(s.DefaultPriorityClass); err != nil {
		return fmt.Errorf("scheduler.default_priority_class: %w", err)
	}
	if s.RateLimitRequests < 0 {
		return fmt.Errorf("scheduler.rate_limit_requests must be zero or greater")
	}
	if s.RateLimitRequests > 0 && s.RateLimitWindow <= 0 {
		return fmt.Errorf("scheduler.rate_limit_window must be greater than 0 when rate limiting is enabled")
	}
	if s.WaitTimeout <= 0 {
		return fmt.Errorf("scheduler.wait_timeout must be greater than 0")
	}
	if s.LeaseTimeout < 0 {
		return fmt.Errorf("scheduler.lease_timeout must be zero or greater")
	}

	if c.Coordinator.QueueCapacity < 1 {
		return fmt.Errorf("coordinator.queue_capacity must be at least 1")
	}
	if c.Coordinator.NATSURL != "" && strings.TrimSpace(c.Coordinator.NATSSubject) == "" {
		return fmt.Errorf("coordinator.nats_subject is required when nats_url is set")
	}

	if strings.TrimSpace(c.Reasoning.Provider) == "" {
		return fmt.Errorf("reasoning.provider is required")
	}
	if strings.TrimSpace(c.Reasoning.Model) == "" {
		return fmt.Errorf("reasoning.model is required")
	}
	if c.Reasoning.MaxTokens < 1 {
		return fmt.Errorf("reasoning.max_tokens must be at least 1")
	}

	if c.Watch.Enabled && strings.TrimSpace(c.Watch.Branch) == "" {
		return fmt.Errorf("watch.branch is required when the watcher is enabled")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "taskdaemon.db")
}

// LedgerDir returns the directory markdown ledgers are written to.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.Global.DataDir, "ledgers")
}

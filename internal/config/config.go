package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Pacer configuration
type Config struct {
	Registry    RegistryConfig    `mapstructure:"registry"`
	RateControl RateControlConfig `mapstructure:"rate_control"`
	TotalLimit  TotalLimitConfig  `mapstructure:"total_limit"`
	Parallelism ParallelismConfig `mapstructure:"parallelism"`
	Stealing    StealingConfig    `mapstructure:"stealing"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Presets     PresetsConfig     `mapstructure:"presets"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Overrides   OverridesConfig   `mapstructure:"overrides"`
}

// RegistryConfig controls the heartbeat lease registry and the shared
// runtime directory all instances coordinate through.
type RegistryConfig struct {
	// RuntimeDir is where leases, locks, and shared state live.
	// Empty means RuntimeDir() ($XDG_STATE_HOME/pacer or ~/.pacer/runtime).
	RuntimeDir string `mapstructure:"runtime_dir"`
	// HeartbeatIntervalMs is how often an instance refreshes its lease
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs is the lease age after which an instance is dead
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	// TotalMaxLLM is the fleet-wide LLM concurrency budget split across instances
	TotalMaxLLM int `mapstructure:"total_max_llm"`
	// SnapshotTTLMs caches the active-instance list for this long
	SnapshotTTLMs int `mapstructure:"snapshot_ttl_ms"`
	// LockTTLMs is the TTL applied to read-modify-write locks on shared records
	LockTTLMs int `mapstructure:"lock_ttl_ms"`
	// LoadWeightedShare splits the fleet budget by pending work instead of
	// equally
	LoadWeightedShare bool `mapstructure:"load_weighted_share"`
}

// RateControlConfig controls the per provider:model learned limits
type RateControlConfig struct {
	// ReductionFactor is the fraction removed on a 429 (0.3 = -30%)
	ReductionFactor float64 `mapstructure:"reduction_factor"`
	// RecoveryFactor multiplies concurrency on each recovery step
	RecoveryFactor float64 `mapstructure:"recovery_factor"`
	// RecoveryIntervalMs is the quiet period required before a recovery step
	RecoveryIntervalMs int `mapstructure:"recovery_interval_ms"`
	// MinParallelism is the floor for every learned limit
	MinParallelism int `mapstructure:"min_parallelism"`
	// GlobalMultiplier scales every effective limit
	GlobalMultiplier float64 `mapstructure:"global_multiplier"`
	// PredictiveEnabled turns on proactive throttling from 429 history
	PredictiveEnabled bool `mapstructure:"predictive_enabled"`
	// PredictiveThreshold is the probability above which throttling starts
	PredictiveThreshold float64 `mapstructure:"predictive_threshold"`
	// HistoryWindowMs bounds which 429s count toward the prediction
	HistoryWindowMs int `mapstructure:"history_window_ms"`
	// DecayHalfLifeMs is the half-life applied to each historical 429
	DecayHalfLifeMs int `mapstructure:"decay_half_life_ms"`
	// ProbabilitySensitivity scales the decayed 429 mass into a probability
	ProbabilitySensitivity float64 `mapstructure:"probability_sensitivity"`
	// MaxHistory caps the stored 429 timestamps per key
	MaxHistory int `mapstructure:"max_history"`
	// DefaultConcurrency seeds keys that have no preset
	DefaultConcurrency int `mapstructure:"default_concurrency"`
}

// TotalLimitConfig controls the global adaptive concurrency ceiling
type TotalLimitConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	BaseLimit               int     `mapstructure:"base_limit"`
	HardMax                 int     `mapstructure:"hard_max"`
	MinLimit                int     `mapstructure:"min_limit"`
	WindowMs                int     `mapstructure:"window_ms"`
	CooldownMs              int     `mapstructure:"cooldown_ms"`
	MinSamples              int     `mapstructure:"min_samples"`
	LatencyP95ThresholdMs   int     `mapstructure:"latency_p95_threshold_ms"`
	WaitP95ThresholdMs      int     `mapstructure:"wait_p95_threshold_ms"`
	IncreaseWaitThresholdMs int     `mapstructure:"increase_wait_threshold_ms"`
	DecreaseFactor          float64 `mapstructure:"decrease_factor"`
	TimeoutRatioThreshold   float64 `mapstructure:"timeout_ratio_threshold"`
	IncreaseStep            int     `mapstructure:"increase_step"`
}

// ParallelismConfig controls the percentage-step parallelism adjuster
type ParallelismConfig struct {
	Min                int `mapstructure:"min"`
	Max                int `mapstructure:"max"`
	RecoveryIntervalMs int `mapstructure:"recovery_interval_ms"`
	RecentWindowMs     int `mapstructure:"recent_window_ms"`
}

// StealingConfig controls cross-instance work stealing
type StealingConfig struct {
	// Enabled allows this instance to steal; a payload executor must also be registered
	Enabled bool `mapstructure:"enabled"`
	// PollIntervalMs is the fallback scan interval when no file event arrives
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// LockTTLMs bounds how long a steal may hold a peer's queue lock
	LockTTLMs int `mapstructure:"lock_ttl_ms"`
	// QueueStateTTLMs is the age after which a peer broadcast is ignored and removed
	QueueStateTTLMs int `mapstructure:"queue_state_ttl_ms"`
	// MaxBroadcastEntries caps the stealable entries advertised per broadcast
	MaxBroadcastEntries int `mapstructure:"max_broadcast_entries"`
	// Watch enables fsnotify wake-ups on peer broadcasts
	Watch bool `mapstructure:"watch"`
}

// SchedulerConfig controls the per-process task scheduler
type SchedulerConfig struct {
	MaxConcurrentPerModel int `mapstructure:"max_concurrent_per_model"`
	MaxTotalConcurrent    int `mapstructure:"max_total_concurrent"`
	// DefaultTimeoutMs bounds each execution (0 = no timeout)
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	// QueueTimeoutMs bounds time spent waiting for a slot (0 = no limit)
	QueueTimeoutMs int `mapstructure:"queue_timeout_ms"`
	// TickIntervalMs wakes the dispatch loop even without events
	TickIntervalMs int `mapstructure:"tick_interval_ms"`

	PriorityWeight   float64 `mapstructure:"priority_weight"`
	SJFWeight        float64 `mapstructure:"sjf_weight"`
	FairQueueWeight  float64 `mapstructure:"fair_queue_weight"`
	StarvationWeight float64 `mapstructure:"starvation_weight"`

	StarvationThresholdMs int `mapstructure:"starvation_threshold_ms"`
	MaxSkipCount          int `mapstructure:"max_skip_count"`

	// PreemptionEnabled lets waiting critical/high tasks preempt lower priority work
	PreemptionEnabled bool `mapstructure:"preemption_enabled"`
}

// PresetsConfig controls provider limit presets
type PresetsConfig struct {
	// File is an optional YAML presets file layered over the built-in table
	File string `mapstructure:"file"`
	// DefaultTier is used when a resolution request names no tier
	DefaultTier string `mapstructure:"default_tier"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// OverridesConfig holds the highest-precedence overrides. They are usually
// set through PACER_* environment variables; zero means unset.
type OverridesConfig struct {
	// TotalMaxLLM replaces the fleet budget and bypasses the adaptive total limit
	TotalMaxLLM int `mapstructure:"total_max_llm"`
	// HeartbeatIntervalMs replaces registry.heartbeat_interval_ms
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs replaces registry.heartbeat_timeout_ms
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	// MaxConcurrency replaces every resolved effective concurrency
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// envBindings maps override keys to their fixed environment variable names.
var envBindings = map[string]string{
	"overrides.total_max_llm":         "PACER_TOTAL_MAX_LLM",
	"overrides.heartbeat_interval_ms": "PACER_HEARTBEAT_INTERVAL_MS",
	"overrides.heartbeat_timeout_ms":  "PACER_HEARTBEAT_TIMEOUT_MS",
	"overrides.max_concurrency":       "PACER_MAX_CONCURRENCY",
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			RuntimeDir:          "", // Empty means use RuntimeDir()
			HeartbeatIntervalMs: 10000,
			HeartbeatTimeoutMs:  30000,
			TotalMaxLLM:         8,
			SnapshotTTLMs:       1000,
			LockTTLMs:           5000,
		},
		RateControl: RateControlConfig{
			ReductionFactor:        0.3,
			RecoveryFactor:         1.1,
			RecoveryIntervalMs:     60000,
			MinParallelism:         1,
			GlobalMultiplier:       1.0,
			PredictiveEnabled:      true,
			PredictiveThreshold:    0.5,
			HistoryWindowMs:        600000,
			DecayHalfLifeMs:        120000,
			ProbabilitySensitivity: 0.5,
			MaxHistory:             50,
			DefaultConcurrency:     4,
		},
		TotalLimit: TotalLimitConfig{
			Enabled:                 true,
			BaseLimit:               6,
			HardMax:                 16,
			MinLimit:                1,
			WindowMs:                120000,
			CooldownMs:              30000,
			MinSamples:              5,
			LatencyP95ThresholdMs:   30000,
			WaitP95ThresholdMs:      10000,
			IncreaseWaitThresholdMs: 1000,
			DecreaseFactor:          0.75,
			TimeoutRatioThreshold:   0.1,
			IncreaseStep:            1,
		},
		Parallelism: ParallelismConfig{
			Min:                1,
			Max:                8,
			RecoveryIntervalMs: 30000,
			RecentWindowMs:     60000,
		},
		Stealing: StealingConfig{
			Enabled:             true,
			PollIntervalMs:      2000,
			LockTTLMs:           5000,
			QueueStateTTLMs:     30000,
			MaxBroadcastEntries: 16,
			Watch:               true,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentPerModel: 4,
			MaxTotalConcurrent:    8,
			DefaultTimeoutMs:      300000, // 5 minutes
			QueueTimeoutMs:        0,      // Wait indefinitely
			TickIntervalMs:        1000,
			PriorityWeight:        0.5,
			SJFWeight:             0.2,
			FairQueueWeight:       0.2,
			StarvationWeight:      0.1,
			StarvationThresholdMs: 30000,
			MaxSkipCount:          3,
			PreemptionEnabled:     true,
		},
		Presets: PresetsConfig{
			File:        "",
			DefaultTier: "",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// HeartbeatInterval returns the effective heartbeat interval, honoring overrides.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Overrides.HeartbeatIntervalMs > 0 {
		return ms(c.Overrides.HeartbeatIntervalMs)
	}
	return ms(c.Registry.HeartbeatIntervalMs)
}

// HeartbeatTimeout returns the effective heartbeat timeout, honoring overrides.
func (c *Config) HeartbeatTimeout() time.Duration {
	if c.Overrides.HeartbeatTimeoutMs > 0 {
		return ms(c.Overrides.HeartbeatTimeoutMs)
	}
	return ms(c.Registry.HeartbeatTimeoutMs)
}

// ResolvedRuntimeDir returns registry.runtime_dir or the default location.
func (c *Config) ResolvedRuntimeDir() string {
	if c.Registry.RuntimeDir != "" {
		return c.Registry.RuntimeDir
	}
	return RuntimeDir()
}

// SnapshotTTL returns the active-instance cache lifetime as a time.Duration
func (c *RegistryConfig) SnapshotTTL() time.Duration { return ms(c.SnapshotTTLMs) }

// LockTTL returns the record lock TTL as a time.Duration
func (c *RegistryConfig) LockTTL() time.Duration { return ms(c.LockTTLMs) }

// RecoveryInterval returns the recovery interval as a time.Duration
func (c *RateControlConfig) RecoveryInterval() time.Duration { return ms(c.RecoveryIntervalMs) }

// HistoryWindow returns the 429 history window as a time.Duration
func (c *RateControlConfig) HistoryWindow() time.Duration { return ms(c.HistoryWindowMs) }

// DecayHalfLife returns the decay half-life as a time.Duration
func (c *RateControlConfig) DecayHalfLife() time.Duration { return ms(c.DecayHalfLifeMs) }

// Window returns the observation window as a time.Duration
func (c *TotalLimitConfig) Window() time.Duration { return ms(c.WindowMs) }

// Cooldown returns the decision cooldown as a time.Duration
func (c *TotalLimitConfig) Cooldown() time.Duration { return ms(c.CooldownMs) }

// LatencyP95Threshold returns the p95 latency threshold as a time.Duration
func (c *TotalLimitConfig) LatencyP95Threshold() time.Duration { return ms(c.LatencyP95ThresholdMs) }

// WaitP95Threshold returns the p95 queue wait threshold as a time.Duration
func (c *TotalLimitConfig) WaitP95Threshold() time.Duration { return ms(c.WaitP95ThresholdMs) }

// IncreaseWaitThreshold returns the wait below which the limit may grow
func (c *TotalLimitConfig) IncreaseWaitThreshold() time.Duration {
	return ms(c.IncreaseWaitThresholdMs)
}

// RecoveryInterval returns the recovery interval as a time.Duration
func (c *ParallelismConfig) RecoveryInterval() time.Duration { return ms(c.RecoveryIntervalMs) }

// RecentWindow returns the health window as a time.Duration
func (c *ParallelismConfig) RecentWindow() time.Duration { return ms(c.RecentWindowMs) }

// PollInterval returns the steal poll interval as a time.Duration
func (c *StealingConfig) PollInterval() time.Duration { return ms(c.PollIntervalMs) }

// LockTTL returns the steal lock TTL as a time.Duration
func (c *StealingConfig) LockTTL() time.Duration { return ms(c.LockTTLMs) }

// QueueStateTTL returns the peer broadcast lifetime as a time.Duration
func (c *StealingConfig) QueueStateTTL() time.Duration { return ms(c.QueueStateTTLMs) }

// DefaultTimeout returns the execution timeout as a time.Duration (0 means disabled)
func (c *SchedulerConfig) DefaultTimeout() time.Duration { return ms(c.DefaultTimeoutMs) }

// QueueTimeout returns the queue wait limit as a time.Duration (0 means disabled)
func (c *SchedulerConfig) QueueTimeout() time.Duration { return ms(c.QueueTimeoutMs) }

// TickInterval returns the dispatch tick as a time.Duration
func (c *SchedulerConfig) TickInterval() time.Duration { return ms(c.TickIntervalMs) }

// StarvationThreshold returns the starvation threshold as a time.Duration
func (c *SchedulerConfig) StarvationThreshold() time.Duration { return ms(c.StarvationThresholdMs) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Registry defaults
	viper.SetDefault("registry.runtime_dir", defaults.Registry.RuntimeDir)
	viper.SetDefault("registry.heartbeat_interval_ms", defaults.Registry.HeartbeatIntervalMs)
	viper.SetDefault("registry.heartbeat_timeout_ms", defaults.Registry.HeartbeatTimeoutMs)
	viper.SetDefault("registry.total_max_llm", defaults.Registry.TotalMaxLLM)
	viper.SetDefault("registry.snapshot_ttl_ms", defaults.Registry.SnapshotTTLMs)
	viper.SetDefault("registry.lock_ttl_ms", defaults.Registry.LockTTLMs)
	viper.SetDefault("registry.load_weighted_share", defaults.Registry.LoadWeightedShare)

	// Rate control defaults
	viper.SetDefault("rate_control.reduction_factor", defaults.RateControl.ReductionFactor)
	viper.SetDefault("rate_control.recovery_factor", defaults.RateControl.RecoveryFactor)
	viper.SetDefault("rate_control.recovery_interval_ms", defaults.RateControl.RecoveryIntervalMs)
	viper.SetDefault("rate_control.min_parallelism", defaults.RateControl.MinParallelism)
	viper.SetDefault("rate_control.global_multiplier", defaults.RateControl.GlobalMultiplier)
	viper.SetDefault("rate_control.predictive_enabled", defaults.RateControl.PredictiveEnabled)
	viper.SetDefault("rate_control.predictive_threshold", defaults.RateControl.PredictiveThreshold)
	viper.SetDefault("rate_control.history_window_ms", defaults.RateControl.HistoryWindowMs)
	viper.SetDefault("rate_control.decay_half_life_ms", defaults.RateControl.DecayHalfLifeMs)
	viper.SetDefault("rate_control.probability_sensitivity", defaults.RateControl.ProbabilitySensitivity)
	viper.SetDefault("rate_control.max_history", defaults.RateControl.MaxHistory)
	viper.SetDefault("rate_control.default_concurrency", defaults.RateControl.DefaultConcurrency)

	// Total limit defaults
	viper.SetDefault("total_limit.enabled", defaults.TotalLimit.Enabled)
	viper.SetDefault("total_limit.base_limit", defaults.TotalLimit.BaseLimit)
	viper.SetDefault("total_limit.hard_max", defaults.TotalLimit.HardMax)
	viper.SetDefault("total_limit.min_limit", defaults.TotalLimit.MinLimit)
	viper.SetDefault("total_limit.window_ms", defaults.TotalLimit.WindowMs)
	viper.SetDefault("total_limit.cooldown_ms", defaults.TotalLimit.CooldownMs)
	viper.SetDefault("total_limit.min_samples", defaults.TotalLimit.MinSamples)
	viper.SetDefault("total_limit.latency_p95_threshold_ms", defaults.TotalLimit.LatencyP95ThresholdMs)
	viper.SetDefault("total_limit.wait_p95_threshold_ms", defaults.TotalLimit.WaitP95ThresholdMs)
	viper.SetDefault("total_limit.increase_wait_threshold_ms", defaults.TotalLimit.IncreaseWaitThresholdMs)
	viper.SetDefault("total_limit.decrease_factor", defaults.TotalLimit.DecreaseFactor)
	viper.SetDefault("total_limit.timeout_ratio_threshold", defaults.TotalLimit.TimeoutRatioThreshold)
	viper.SetDefault("total_limit.increase_step", defaults.TotalLimit.IncreaseStep)

	// Parallelism defaults
	viper.SetDefault("parallelism.min", defaults.Parallelism.Min)
	viper.SetDefault("parallelism.max", defaults.Parallelism.Max)
	viper.SetDefault("parallelism.recovery_interval_ms", defaults.Parallelism.RecoveryIntervalMs)
	viper.SetDefault("parallelism.recent_window_ms", defaults.Parallelism.RecentWindowMs)

	// Stealing defaults
	viper.SetDefault("stealing.enabled", defaults.Stealing.Enabled)
	viper.SetDefault("stealing.poll_interval_ms", defaults.Stealing.PollIntervalMs)
	viper.SetDefault("stealing.lock_ttl_ms", defaults.Stealing.LockTTLMs)
	viper.SetDefault("stealing.queue_state_ttl_ms", defaults.Stealing.QueueStateTTLMs)
	viper.SetDefault("stealing.max_broadcast_entries", defaults.Stealing.MaxBroadcastEntries)
	viper.SetDefault("stealing.watch", defaults.Stealing.Watch)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_concurrent_per_model", defaults.Scheduler.MaxConcurrentPerModel)
	viper.SetDefault("scheduler.max_total_concurrent", defaults.Scheduler.MaxTotalConcurrent)
	viper.SetDefault("scheduler.default_timeout_ms", defaults.Scheduler.DefaultTimeoutMs)
	viper.SetDefault("scheduler.queue_timeout_ms", defaults.Scheduler.QueueTimeoutMs)
	viper.SetDefault("scheduler.tick_interval_ms", defaults.Scheduler.TickIntervalMs)
	viper.SetDefault("scheduler.priority_weight", defaults.Scheduler.PriorityWeight)
	viper.SetDefault("scheduler.sjf_weight", defaults.Scheduler.SJFWeight)
	viper.SetDefault("scheduler.fair_queue_weight", defaults.Scheduler.FairQueueWeight)
	viper.SetDefault("scheduler.starvation_weight", defaults.Scheduler.StarvationWeight)
	viper.SetDefault("scheduler.starvation_threshold_ms", defaults.Scheduler.StarvationThresholdMs)
	viper.SetDefault("scheduler.max_skip_count", defaults.Scheduler.MaxSkipCount)
	viper.SetDefault("scheduler.preemption_enabled", defaults.Scheduler.PreemptionEnabled)

	// Presets defaults
	viper.SetDefault("presets.file", defaults.Presets.File)
	viper.SetDefault("presets.default_tier", defaults.Presets.DefaultTier)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Overrides are unset unless the environment provides them
	viper.SetDefault("overrides.total_max_llm", 0)
	viper.SetDefault("overrides.heartbeat_interval_ms", 0)
	viper.SetDefault("overrides.heartbeat_timeout_ms", 0)
	viper.SetDefault("overrides.max_concurrency", 0)
}

// BindEnv binds the override keys to their fixed PACER_* variable names.
// These names do not follow the nested-key convention, so AutomaticEnv
// alone would not find them.
func BindEnv() error {
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pacer")
	}
	// Fall back to ~/.config/pacer
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pacer"
	}
	return filepath.Join(home, ".config", "pacer")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// RuntimeDir returns the default shared runtime directory
func RuntimeDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "pacer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pacer")
	}
	return filepath.Join(home, ".pacer", "runtime")
}

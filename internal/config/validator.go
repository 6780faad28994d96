package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_total_concurrent")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateRateControl()...)
	errors = append(errors, c.validateTotalLimit()...)
	errors = append(errors, c.validateParallelism()...)
	errors = append(errors, c.validateStealing()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOverrides()...)

	return errors
}

// checker accumulates validation errors for one section.
type checker struct {
	errors []ValidationError
}

func (v *checker) add(field string, value any, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *checker) positive(field string, n int) {
	if n < 1 {
		v.add(field, n, "must be at least 1")
	}
}

func (v *checker) nonNegative(field string, n int) {
	if n < 0 {
		v.add(field, n, "must be non-negative (0 disables)")
	}
}

func (v *checker) fraction(field string, f float64, inclusiveOne bool) {
	if f <= 0 || f > 1 || (!inclusiveOne && f == 1) {
		bound := "(0, 1)"
		if inclusiveOne {
			bound = "(0, 1]"
		}
		v.add(field, f, "must be in "+bound)
	}
}

// validateRegistry validates the RegistryConfig
func (c *Config) validateRegistry() []ValidationError {
	var v checker
	r := c.Registry

	v.positive("registry.heartbeat_interval_ms", r.HeartbeatIntervalMs)
	v.positive("registry.heartbeat_timeout_ms", r.HeartbeatTimeoutMs)
	if r.HeartbeatIntervalMs > 0 && r.HeartbeatTimeoutMs > 0 && r.HeartbeatTimeoutMs <= r.HeartbeatIntervalMs {
		v.add("registry.heartbeat_timeout_ms", r.HeartbeatTimeoutMs,
			fmt.Sprintf("must exceed heartbeat_interval_ms (%d)", r.HeartbeatIntervalMs))
	}
	v.positive("registry.total_max_llm", r.TotalMaxLLM)
	v.nonNegative("registry.snapshot_ttl_ms", r.SnapshotTTLMs)
	v.positive("registry.lock_ttl_ms", r.LockTTLMs)

	return v.errors
}

// validateRateControl validates the RateControlConfig
func (c *Config) validateRateControl() []ValidationError {
	var v checker
	r := c.RateControl

	v.fraction("rate_control.reduction_factor", r.ReductionFactor, false)
	if r.RecoveryFactor <= 1 {
		v.add("rate_control.recovery_factor", r.RecoveryFactor, "must be greater than 1")
	}
	v.positive("rate_control.recovery_interval_ms", r.RecoveryIntervalMs)
	v.positive("rate_control.min_parallelism", r.MinParallelism)
	if r.GlobalMultiplier <= 0 {
		v.add("rate_control.global_multiplier", r.GlobalMultiplier, "must be positive")
	}
	v.fraction("rate_control.predictive_threshold", r.PredictiveThreshold, true)
	v.positive("rate_control.history_window_ms", r.HistoryWindowMs)
	v.positive("rate_control.decay_half_life_ms", r.DecayHalfLifeMs)
	if r.ProbabilitySensitivity <= 0 {
		v.add("rate_control.probability_sensitivity", r.ProbabilitySensitivity, "must be positive")
	}
	v.positive("rate_control.max_history", r.MaxHistory)
	v.positive("rate_control.default_concurrency", r.DefaultConcurrency)
	if r.DefaultConcurrency > 0 && r.MinParallelism > r.DefaultConcurrency {
		v.add("rate_control.min_parallelism", r.MinParallelism,
			fmt.Sprintf("must not exceed default_concurrency (%d)", r.DefaultConcurrency))
	}

	return v.errors
}

// validateTotalLimit validates the TotalLimitConfig
func (c *Config) validateTotalLimit() []ValidationError {
	var v checker
	t := c.TotalLimit

	v.positive("total_limit.min_limit", t.MinLimit)
	v.positive("total_limit.base_limit", t.BaseLimit)
	v.positive("total_limit.hard_max", t.HardMax)
	if t.MinLimit > t.HardMax {
		v.add("total_limit.min_limit", t.MinLimit, fmt.Sprintf("must not exceed hard_max (%d)", t.HardMax))
	}
	if t.BaseLimit < t.MinLimit || t.BaseLimit > t.HardMax {
		v.add("total_limit.base_limit", t.BaseLimit,
			fmt.Sprintf("must be within [min_limit, hard_max] = [%d, %d]", t.MinLimit, t.HardMax))
	}
	v.positive("total_limit.window_ms", t.WindowMs)
	v.nonNegative("total_limit.cooldown_ms", t.CooldownMs)
	v.positive("total_limit.min_samples", t.MinSamples)
	v.positive("total_limit.latency_p95_threshold_ms", t.LatencyP95ThresholdMs)
	v.positive("total_limit.wait_p95_threshold_ms", t.WaitP95ThresholdMs)
	v.nonNegative("total_limit.increase_wait_threshold_ms", t.IncreaseWaitThresholdMs)
	v.fraction("total_limit.decrease_factor", t.DecreaseFactor, false)
	v.fraction("total_limit.timeout_ratio_threshold", t.TimeoutRatioThreshold, true)
	v.positive("total_limit.increase_step", t.IncreaseStep)

	return v.errors
}

// validateParallelism validates the ParallelismConfig
func (c *Config) validateParallelism() []ValidationError {
	var v checker
	p := c.Parallelism

	v.positive("parallelism.min", p.Min)
	v.positive("parallelism.max", p.Max)
	if p.Min > p.Max {
		v.add("parallelism.min", p.Min, fmt.Sprintf("must not exceed parallelism.max (%d)", p.Max))
	}
	v.positive("parallelism.recovery_interval_ms", p.RecoveryIntervalMs)
	v.positive("parallelism.recent_window_ms", p.RecentWindowMs)

	return v.errors
}

// validateStealing validates the StealingConfig
func (c *Config) validateStealing() []ValidationError {
	var v checker
	s := c.Stealing

	v.positive("stealing.poll_interval_ms", s.PollIntervalMs)
	v.positive("stealing.lock_ttl_ms", s.LockTTLMs)
	v.positive("stealing.queue_state_ttl_ms", s.QueueStateTTLMs)
	v.nonNegative("stealing.max_broadcast_entries", s.MaxBroadcastEntries)

	return v.errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var v checker
	s := c.Scheduler

	v.positive("scheduler.max_concurrent_per_model", s.MaxConcurrentPerModel)
	v.positive("scheduler.max_total_concurrent", s.MaxTotalConcurrent)
	v.nonNegative("scheduler.default_timeout_ms", s.DefaultTimeoutMs)
	v.nonNegative("scheduler.queue_timeout_ms", s.QueueTimeoutMs)
	v.positive("scheduler.tick_interval_ms", s.TickIntervalMs)
	v.positive("scheduler.starvation_threshold_ms", s.StarvationThresholdMs)
	v.positive("scheduler.max_skip_count", s.MaxSkipCount)

	weights := map[string]float64{
		"scheduler.priority_weight":   s.PriorityWeight,
		"scheduler.sjf_weight":        s.SJFWeight,
		"scheduler.fair_queue_weight": s.FairQueueWeight,
		"scheduler.starvation_weight": s.StarvationWeight,
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sum float64
	for _, k := range keys {
		if weights[k] < 0 {
			v.add(k, weights[k], "must be non-negative")
		}
		sum += weights[k]
	}
	if sum <= 0 {
		v.add("scheduler.priority_weight", s.PriorityWeight, "scheduler weights must not all be zero")
	}

	return v.errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// validateOverrides validates the OverridesConfig
func (c *Config) validateOverrides() []ValidationError {
	var v checker
	o := c.Overrides

	v.nonNegative("overrides.total_max_llm", o.TotalMaxLLM)
	v.nonNegative("overrides.heartbeat_interval_ms", o.HeartbeatIntervalMs)
	v.nonNegative("overrides.heartbeat_timeout_ms", o.HeartbeatTimeoutMs)
	v.nonNegative("overrides.max_concurrency", o.MaxConcurrency)
	if c.HeartbeatInterval() > 0 && c.HeartbeatTimeout() <= c.HeartbeatInterval() &&
		(o.HeartbeatIntervalMs > 0 || o.HeartbeatTimeoutMs > 0) {
		v.add("overrides.heartbeat_timeout_ms", c.HeartbeatTimeout().Milliseconds(),
			"effective heartbeat timeout must exceed the effective interval")
	}

	return v.errors
}

package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got: %v", ValidationErrors(errs))
	}
}

func TestConfig_Validate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "heartbeat timeout not above interval",
			mutate: func(c *Config) { c.Registry.HeartbeatTimeoutMs = c.Registry.HeartbeatIntervalMs },
			field:  "registry.heartbeat_timeout_ms",
		},
		{
			name:   "zero total budget",
			mutate: func(c *Config) { c.Registry.TotalMaxLLM = 0 },
			field:  "registry.total_max_llm",
		},
		{
			name:   "reduction factor of one",
			mutate: func(c *Config) { c.RateControl.ReductionFactor = 1 },
			field:  "rate_control.reduction_factor",
		},
		{
			name:   "recovery factor not growing",
			mutate: func(c *Config) { c.RateControl.RecoveryFactor = 1 },
			field:  "rate_control.recovery_factor",
		},
		{
			name:   "predictive threshold above one",
			mutate: func(c *Config) { c.RateControl.PredictiveThreshold = 1.5 },
			field:  "rate_control.predictive_threshold",
		},
		{
			name:   "min parallelism above default concurrency",
			mutate: func(c *Config) { c.RateControl.MinParallelism = 10 },
			field:  "rate_control.min_parallelism",
		},
		{
			name:   "base limit above hard max",
			mutate: func(c *Config) { c.TotalLimit.BaseLimit = 40 },
			field:  "total_limit.base_limit",
		},
		{
			name:   "decrease factor zero",
			mutate: func(c *Config) { c.TotalLimit.DecreaseFactor = 0 },
			field:  "total_limit.decrease_factor",
		},
		{
			name:   "parallelism min above max",
			mutate: func(c *Config) { c.Parallelism.Min = 9 },
			field:  "parallelism.min",
		},
		{
			name:   "negative queue timeout",
			mutate: func(c *Config) { c.Scheduler.QueueTimeoutMs = -1 },
			field:  "scheduler.queue_timeout_ms",
		},
		{
			name:   "negative weight",
			mutate: func(c *Config) { c.Scheduler.SJFWeight = -0.1 },
			field:  "scheduler.sjf_weight",
		},
		{
			name: "all weights zero",
			mutate: func(c *Config) {
				c.Scheduler.PriorityWeight = 0
				c.Scheduler.SJFWeight = 0
				c.Scheduler.FairQueueWeight = 0
				c.Scheduler.StarvationWeight = 0
			},
			field: "scheduler.priority_weight",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			field:  "logging.level",
		},
		{
			name:   "negative override",
			mutate: func(c *Config) { c.Overrides.MaxConcurrency = -2 },
			field:  "overrides.max_concurrency",
		},
		{
			name:   "override timeout below default interval",
			mutate: func(c *Config) { c.Overrides.HeartbeatTimeoutMs = 100 },
			field:  "overrides.heartbeat_timeout_ms",
		},
		{
			name:   "stealing poll interval zero",
			mutate: func(c *Config) { c.Stealing.PollIntervalMs = 0 },
			field:  "stealing.poll_interval_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatalf("expected validation error for %s", tt.field)
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, ValidationErrors(errs))
			}
		})
	}
}

func TestConfig_Validate_LogLevelCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("DEBUG should be accepted, got %v", ValidationErrors(errs))
	}
}

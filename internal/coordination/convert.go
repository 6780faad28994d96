package coordination

import (
	"github.com/Iron-Ham/pacer/internal/config"
	"github.com/Iron-Ham/pacer/internal/parallelism"
	"github.com/Iron-Ham/pacer/internal/ratecontrol"
	"github.com/Iron-Ham/pacer/internal/scheduler"
	"github.com/Iron-Ham/pacer/internal/totallimit"
)

func rateControlConfig(c *config.RateControlConfig) ratecontrol.Config {
	return ratecontrol.Config{
		ReductionFactor:        c.ReductionFactor,
		RecoveryFactor:         c.RecoveryFactor,
		RecoveryInterval:       c.RecoveryInterval(),
		MinParallelism:         c.MinParallelism,
		GlobalMultiplier:       c.GlobalMultiplier,
		PredictiveEnabled:      c.PredictiveEnabled,
		PredictiveThreshold:    c.PredictiveThreshold,
		HistoryWindow:          c.HistoryWindow(),
		DecayHalfLife:          c.DecayHalfLife(),
		ProbabilitySensitivity: c.ProbabilitySensitivity,
		MaxHistory:             c.MaxHistory,
		DefaultConcurrency:     c.DefaultConcurrency,
	}
}

func totalLimitConfig(c *config.TotalLimitConfig) totallimit.Config {
	return totallimit.Config{
		Enabled:               c.Enabled,
		BaseLimit:             c.BaseLimit,
		HardMax:               c.HardMax,
		MinLimit:              c.MinLimit,
		Window:                c.Window(),
		Cooldown:              c.Cooldown(),
		MinSamples:            c.MinSamples,
		LatencyP95Threshold:   c.LatencyP95Threshold(),
		WaitP95Threshold:      c.WaitP95Threshold(),
		IncreaseWaitThreshold: c.IncreaseWaitThreshold(),
		DecreaseFactor:        c.DecreaseFactor,
		TimeoutRatioThreshold: c.TimeoutRatioThreshold,
		IncreaseStep:          c.IncreaseStep,
	}
}

func parallelismConfig(c *config.ParallelismConfig) parallelism.Config {
	return parallelism.Config{
		Min:              c.Min,
		Max:              c.Max,
		RecoveryInterval: c.RecoveryInterval(),
		RecentWindow:     c.RecentWindow(),
	}
}

func schedulerConfig(c *config.SchedulerConfig) scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrentPerModel = c.MaxConcurrentPerModel
	cfg.MaxTotalConcurrent = c.MaxTotalConcurrent
	cfg.DefaultTimeout = c.DefaultTimeout()
	cfg.QueueTimeout = c.QueueTimeout()
	cfg.TickInterval = c.TickInterval()
	cfg.PriorityWeight = c.PriorityWeight
	cfg.SJFWeight = c.SJFWeight
	cfg.FairQueueWeight = c.FairQueueWeight
	cfg.StarvationWeight = c.StarvationWeight
	cfg.StarvationThreshold = c.StarvationThreshold()
	cfg.MaxSkipCount = c.MaxSkipCount
	cfg.PreemptionEnabled = c.PreemptionEnabled
	return cfg
}

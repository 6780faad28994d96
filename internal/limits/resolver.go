// Package limits resolves the one concurrency number the scheduler enforces
// for a provider:model, and records which input bound it.
//
// The inputs are the static preset, the adaptive (learned) limit, this
// instance's cross-instance fair share and the runtime headroom reported by
// the scheduler. The effective limit is their minimum. An environment
// override replaces all four.
package limits

import (
	"fmt"
	"math"
	"sync"

	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/presets"
)

// OperationType selects which adaptive source applies.
type OperationType string

// Operation types.
const (
	OperationLLM      OperationType = "llm"
	OperationToolCall OperationType = "tool_call"
)

// Factor names the input that bound the effective limit.
type Factor string

// Limiting factors, in tie-break order.
const (
	FactorPreset        Factor = "preset"
	FactorAdaptive      Factor = "adaptive"
	FactorCrossInstance Factor = "cross_instance"
	FactorRuntime       Factor = "runtime"
	FactorEnvOverride   Factor = "env_override"
)

// Input describes what is being resolved.
type Input struct {
	Provider      string
	Model         string
	Tier          string
	OperationType OperationType
	Priority      string
}

// Prediction is the predictive-throttling input.
type Prediction struct {
	Probability float64 `json:"probability"`
	Throttled   bool    `json:"throttled"`
}

// Breakdown holds each input to the resolution.
type Breakdown struct {
	Preset        int         `json:"preset"`
	Adaptive      int         `json:"adaptive"`
	CrossInstance int         `json:"cross_instance"`
	Runtime       int         `json:"runtime"`
	Prediction    *Prediction `json:"prediction,omitempty"`
}

// Result is the resolved limit. It is derived per call and never persisted.
type Result struct {
	EffectiveConcurrency int       `json:"effective_concurrency"`
	EffectiveRPM         int       `json:"effective_rpm"`
	EffectiveTPM         int       `json:"effective_tpm,omitempty"`
	Breakdown            Breakdown `json:"breakdown"`
	LimitingFactor       Factor    `json:"limiting_factor"`
	LimitingReason       string    `json:"limiting_reason"`
	PresetSource         string    `json:"preset_source"`
}

// RuntimeSnapshot is the scheduler's current load.
type RuntimeSnapshot struct {
	ActiveCount   int
	QueuedCount   int
	ActiveByKey   map[string]int
	MaxConcurrent int
}

// SnapshotProvider returns the current runtime snapshot.
type SnapshotProvider func() RuntimeSnapshot

// AdaptiveSource supplies learned per-model limits and 429 predictions.
type AdaptiveSource interface {
	GetEffectiveLimit(provider, model string, preset int) int
	Analyze429Probability(provider, model string) float64
	ShouldProactivelyThrottle(provider, model string) bool
}

// ToolLimiter supplies the parallelism level for tool calls.
type ToolLimiter interface {
	GetLimit(provider, model string) int
}

// InstanceShare supplies this instance's share of the global budget. Share
// is called during admission and must not block on I/O.
type InstanceShare interface {
	Share() (limit, instances, total int)
}

// Resolver computes Results. It is safe for concurrent use.
type Resolver struct {
	presets        *presets.Table
	adaptive       AdaptiveSource
	tools          ToolLimiter
	instances      InstanceShare
	override       int
	maxConcurrent  int
	minParallelism int
	logger         *logging.Logger

	mu       sync.RWMutex
	snapshot SnapshotProvider
	warnOnce sync.Once
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAdaptive sets the learned-limit source for LLM operations.
func WithAdaptive(a AdaptiveSource) Option {
	return func(r *Resolver) { r.adaptive = a }
}

// WithToolLimiter sets the parallelism source for tool calls.
func WithToolLimiter(t ToolLimiter) Option {
	return func(r *Resolver) { r.tools = t }
}

// WithInstances sets the cross-instance share source.
func WithInstances(i InstanceShare) Option {
	return func(r *Resolver) { r.instances = i }
}

// WithEnvOverride sets an absolute concurrency override. Zero disables it.
func WithEnvOverride(n int) Option {
	return func(r *Resolver) { r.override = n }
}

// WithMaxConcurrent sets the total used when the snapshot carries none.
func WithMaxConcurrent(n int) Option {
	return func(r *Resolver) { r.maxConcurrent = n }
}

// WithMinParallelism sets the floor applied to predictive throttling.
func WithMinParallelism(n int) Option {
	return func(r *Resolver) { r.minParallelism = n }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a Resolver over table.
func New(table *presets.Table, opts ...Option) *Resolver {
	if table == nil {
		table = presets.Builtin()
	}
	r := &Resolver{
		presets:        table,
		maxConcurrent:  8,
		minParallelism: 1,
		logger:         logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRuntimeSnapshotProvider installs the runtime snapshot source.
func (r *Resolver) SetRuntimeSnapshotProvider(fn SnapshotProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = fn
}

// Presets returns the preset table in use.
func (r *Resolver) Presets() *presets.Table {
	return r.presets
}

func (r *Resolver) runtimeSnapshot() RuntimeSnapshot {
	r.mu.RLock()
	fn := r.snapshot
	r.mu.RUnlock()

	if fn == nil {
		r.warnOnce.Do(func() {
			r.logger.Warn("runtime snapshot provider not set, using zero load",
				"max_concurrent", r.maxConcurrent)
		})
		return RuntimeSnapshot{MaxConcurrent: r.maxConcurrent}
	}
	snap := fn()
	if snap.MaxConcurrent <= 0 {
		snap.MaxConcurrent = r.maxConcurrent
	}
	return snap
}

// Resolve computes the effective limits for in.
func (r *Resolver) Resolve(in Input) Result {
	key := in.Provider + ":" + in.Model
	preset := r.presets.Resolve(in.Provider, in.Model, in.Tier)
	presetC := max(1, preset.Concurrency)

	b := Breakdown{Preset: presetC}
	var adaptiveWhy string

	switch {
	case in.OperationType == OperationToolCall && r.tools != nil:
		b.Adaptive = r.tools.GetLimit(in.Provider, in.Model)
		adaptiveWhy = fmt.Sprintf("tool-call parallelism %d for %s", b.Adaptive, key)
	case r.adaptive != nil:
		b.Adaptive = r.adaptive.GetEffectiveLimit(in.Provider, in.Model, presetC)
		adaptiveWhy = fmt.Sprintf("learned limit %d for %s", b.Adaptive, key)

		p := r.adaptive.Analyze429Probability(in.Provider, in.Model)
		throttled := r.adaptive.ShouldProactivelyThrottle(in.Provider, in.Model)
		b.Prediction = &Prediction{Probability: p, Throttled: throttled}
		if throttled {
			before := b.Adaptive
			b.Adaptive = max(r.minParallelism, int(math.Floor(float64(b.Adaptive)*(1-p/2))))
			adaptiveWhy = fmt.Sprintf("learned limit %d for %s throttled to %d by predicted 429 probability %.2f",
				before, key, b.Adaptive, p)
		}
	default:
		b.Adaptive = presetC
		adaptiveWhy = "no adaptive source"
	}

	instances := 1
	crossWhy := "single instance"
	if r.instances != nil {
		limit, n, total := r.instances.Share()
		b.CrossInstance = limit
		instances = max(1, n)
		crossWhy = fmt.Sprintf("fair share %d of %d across %d instance(s)",
			b.CrossInstance, total, instances)
	} else {
		b.CrossInstance = presetC
	}

	snap := r.runtimeSnapshot()
	others := snap.ActiveCount - snap.ActiveByKey[key]
	b.Runtime = max(0, snap.MaxConcurrent-others)
	runtimeWhy := fmt.Sprintf("%d of %d slots held by other models", max(0, others), snap.MaxConcurrent)

	res := Result{Breakdown: b, PresetSource: preset.Source()}

	candidates := []struct {
		factor Factor
		value  int
		why    string
	}{
		{FactorPreset, b.Preset, fmt.Sprintf("preset %s allows %d", preset.Source(), b.Preset)},
		{FactorAdaptive, b.Adaptive, adaptiveWhy},
		{FactorCrossInstance, b.CrossInstance, crossWhy},
		{FactorRuntime, b.Runtime, runtimeWhy},
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.value < best.value {
			best = c
		}
	}
	res.EffectiveConcurrency = best.value
	res.LimitingFactor = best.factor
	res.LimitingReason = best.why

	if r.override > 0 {
		res.EffectiveConcurrency = r.override
		res.LimitingFactor = FactorEnvOverride
		res.LimitingReason = fmt.Sprintf("PACER_MAX_CONCURRENCY override %d", r.override)
	}

	ratio := math.Min(1, float64(b.Adaptive)/float64(presetC))
	res.EffectiveRPM = int(math.Floor(float64(preset.RPM) * ratio / float64(instances)))
	if preset.TPM > 0 {
		res.EffectiveTPM = int(math.Floor(float64(preset.TPM) * ratio / float64(instances)))
	}
	return res
}

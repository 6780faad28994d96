// Package ratecontrol learns a concurrency ceiling per provider:model from
// the 429s and successes the scheduler observes.
//
// A 429 cuts the learned concurrency by the reduction factor and schedules a
// recovery check. Recovery is time-gated: it is applied from the periodic
// heartbeat tick through [Controller.ProcessRecoveries], never from a
// success directly, and only when no 429 arrived since it was scheduled.
//
// The controller also keeps a bounded 429 history per key and turns it into
// a near-term 429 probability with exponential time decay, which the limit
// resolver uses for proactive throttling.
package ratecontrol

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/store"
)

// Persisted record location.
const (
	Namespace   = "rate-limits"
	RecordKey   = "learned"
	lockName    = "rate-limits-learned"
	persistTTL  = 5 * time.Second
	epsilon     = 1e-9
	fileVersion = 1
)

// Config holds the controller tunables.
type Config struct {
	ReductionFactor        float64
	RecoveryFactor         float64
	RecoveryInterval       time.Duration
	MinParallelism         int
	GlobalMultiplier       float64
	PredictiveEnabled      bool
	PredictiveThreshold    float64
	HistoryWindow          time.Duration
	DecayHalfLife          time.Duration
	ProbabilitySensitivity float64
	MaxHistory             int
	DefaultConcurrency     int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ReductionFactor:        0.3,
		RecoveryFactor:         1.1,
		RecoveryInterval:       60 * time.Second,
		MinParallelism:         1,
		GlobalMultiplier:       1.0,
		PredictiveEnabled:      true,
		PredictiveThreshold:    0.5,
		HistoryWindow:          10 * time.Minute,
		DecayHalfLife:          2 * time.Minute,
		ProbabilitySensitivity: 0.5,
		MaxHistory:             50,
		DefaultConcurrency:     4,
	}
}

// LearnedLimit is the learned state for one provider:model key.
// MinParallelism <= Concurrency <= OriginalConcurrency always holds.
type LearnedLimit struct {
	Concurrency             int         `json:"concurrency"`
	OriginalConcurrency     int         `json:"original_concurrency"`
	Last429At               time.Time   `json:"last_429_at"`
	Consecutive429Count     int         `json:"consecutive_429_count"`
	Total429Count           int         `json:"total_429_count"`
	LastSuccessAt           time.Time   `json:"last_success_at"`
	RecoveryScheduled       bool        `json:"recovery_scheduled"`
	RecoveryScheduledAt     time.Time   `json:"recovery_scheduled_at"`
	RecoveryDueAt           time.Time   `json:"recovery_due_at"`
	Historical429s          []time.Time `json:"historical_429s"`
	Predicted429Probability float64     `json:"predicted_429_probability"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Details carries optional context for a 429.
type Details struct {
	// RetryAfter is the provider-declared backoff; recovery waits at least this long.
	RetryAfter time.Duration
	Message    string
}

// Key returns the provider:model key.
func Key(provider, model string) string {
	return provider + ":" + model
}

// SplitKey splits a provider:model key.
func SplitKey(key string) (provider, model string) {
	provider, model, _ = strings.Cut(key, ":")
	return provider, model
}

// Controller maintains LearnedLimits. It is safe for concurrent use.
type Controller struct {
	cfg    Config
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	limits map[string]*LearnedLimit
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore enables persistence of learned limits.
func WithStore(st *store.Store) Option {
	return func(c *Controller) { c.store = st }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: logging.NopLogger(),
		now:    time.Now,
		limits: make(map[string]*LearnedLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MinParallelism < 1 {
		c.cfg.MinParallelism = 1
	}
	if c.cfg.DefaultConcurrency < c.cfg.MinParallelism {
		c.cfg.DefaultConcurrency = c.cfg.MinParallelism
	}
	return c
}

// Config returns the controller tunables.
func (c *Controller) Config() Config {
	return c.cfg
}

func floorEps(x float64) int {
	return int(math.Floor(x + epsilon))
}

func (c *Controller) clamp(n, original int) int {
	return max(c.cfg.MinParallelism, min(n, original))
}

// ensure returns the entry for key, creating it from preset (or the default
// concurrency when preset <= 0). Callers hold c.mu.
func (c *Controller) ensure(key string, preset int) *LearnedLimit {
	l, ok := c.limits[key]
	if !ok {
		original := preset
		if original <= 0 {
			original = c.cfg.DefaultConcurrency
		}
		original = max(original, c.cfg.MinParallelism)
		l = &LearnedLimit{
			Concurrency:         original,
			OriginalConcurrency: original,
			UpdatedAt:           c.now(),
		}
		c.limits[key] = l
		return l
	}
	if preset > 0 && max(preset, c.cfg.MinParallelism) != l.OriginalConcurrency {
		l.OriginalConcurrency = max(preset, c.cfg.MinParallelism)
		l.Concurrency = c.clamp(l.Concurrency, l.OriginalConcurrency)
		if l.Concurrency < l.OriginalConcurrency && !l.RecoveryScheduled && l.Total429Count > 0 {
			c.scheduleRecovery(l, c.now(), 0)
		}
		l.UpdatedAt = c.now()
	}
	return l
}

func (c *Controller) scheduleRecovery(l *LearnedLimit, now time.Time, retryAfter time.Duration) {
	l.RecoveryScheduled = true
	l.RecoveryScheduledAt = now
	l.RecoveryDueAt = now.Add(max(c.cfg.RecoveryInterval, retryAfter))
}

// Record429 records a rate-limit response for provider/model.
func (c *Controller) Record429(provider, model string, d *Details) {
	key := Key(provider, model)
	now := c.now()

	c.mu.Lock()
	l := c.ensure(key, 0)
	before := l.Concurrency

	l.Consecutive429Count++
	l.Total429Count++
	l.Last429At = now
	l.Concurrency = c.clamp(floorEps(float64(l.Concurrency)*(1-c.cfg.ReductionFactor)), l.OriginalConcurrency)

	l.Historical429s = append(l.Historical429s, now)
	if over := len(l.Historical429s) - c.cfg.MaxHistory; c.cfg.MaxHistory > 0 && over > 0 {
		l.Historical429s = append([]time.Time(nil), l.Historical429s[over:]...)
	}

	var retryAfter time.Duration
	if d != nil {
		retryAfter = d.RetryAfter
	}
	c.scheduleRecovery(l, now, retryAfter)
	l.Predicted429Probability = c.probability(l, now)
	l.UpdatedAt = now
	after := l.Concurrency
	consecutive := l.Consecutive429Count
	c.mu.Unlock()

	c.logger.Info("rate limit recorded",
		"key", key,
		"concurrency_before", before,
		"concurrency_after", after,
		"consecutive", consecutive,
		"retry_after", retryAfter,
	)
}

// RecordSuccess records a successful request for provider/model.
func (c *Controller) RecordSuccess(provider, model string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.ensure(Key(provider, model), 0)
	l.Consecutive429Count = 0
	l.LastSuccessAt = now
	l.UpdatedAt = now
}

// ProcessRecoveries applies every recovery step that is due at now and
// returns how many keys were raised. A step raises concurrency to
// min(original, max(c+1, floor(c*recoveryFactor))), and is rescheduled
// while the key remains below its original concurrency.
func (c *Controller) ProcessRecoveries(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.limits))
	for k := range c.limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	raised := 0
	for _, key := range keys {
		l := c.limits[key]
		if !l.RecoveryScheduled || now.Before(l.RecoveryDueAt) {
			continue
		}
		if l.Last429At.After(l.RecoveryScheduledAt) {
			// A 429 since scheduling; wait a full interval from it
			c.scheduleRecovery(l, l.Last429At, 0)
			continue
		}

		before := l.Concurrency
		next := max(before+1, floorEps(float64(before)*c.cfg.RecoveryFactor))
		l.Concurrency = c.clamp(next, l.OriginalConcurrency)
		l.UpdatedAt = now

		if l.Concurrency < l.OriginalConcurrency {
			c.scheduleRecovery(l, now, 0)
		} else {
			l.RecoveryScheduled = false
		}
		if l.Concurrency > before {
			raised++
			c.logger.Info("concurrency recovered",
				"key", key,
				"concurrency_before", before,
				"concurrency_after", l.Concurrency,
				"original", l.OriginalConcurrency,
			)
		}
	}
	return raised
}

// probability computes 1 - exp(-sensitivity * sum(2^(-age/halfLife))) over
// 429s inside the history window. Callers hold c.mu.
func (c *Controller) probability(l *LearnedLimit, now time.Time) float64 {
	if len(l.Historical429s) == 0 || c.cfg.DecayHalfLife <= 0 {
		return 0
	}
	cutoff := now.Add(-c.cfg.HistoryWindow)
	kept := l.Historical429s[:0]
	var mass float64
	for _, at := range l.Historical429s {
		if at.Before(cutoff) {
			continue
		}
		kept = append(kept, at)
		age := max(0, now.Sub(at).Seconds())
		mass += math.Exp2(-age / c.cfg.DecayHalfLife.Seconds())
	}
	l.Historical429s = kept

	p := 1 - math.Exp(-c.cfg.ProbabilitySensitivity*mass)
	return math.Max(0, math.Min(1, p))
}

// Analyze429Probability returns the predicted probability in [0,1] that the
// next request to provider/model is rate limited.
func (c *Controller) Analyze429Probability(provider, model string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limits[Key(provider, model)]
	if !ok {
		return 0
	}
	l.Predicted429Probability = c.probability(l, c.now())
	return l.Predicted429Probability
}

// ShouldProactivelyThrottle reports whether the predicted 429 probability
// exceeds the predictive threshold.
func (c *Controller) ShouldProactivelyThrottle(provider, model string) bool {
	if !c.cfg.PredictiveEnabled {
		return false
	}
	return c.Analyze429Probability(provider, model) > c.cfg.PredictiveThreshold
}

// GetEffectiveLimit returns max(minParallelism, floor(min(preset, learned) *
// globalMultiplier)). The first call for a key seeds its original
// concurrency from preset.
func (c *Controller) GetEffectiveLimit(provider, model string, preset int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.ensure(Key(provider, model), preset)
	base := l.Concurrency
	if preset > 0 {
		base = min(preset, base)
	}
	return max(c.cfg.MinParallelism, floorEps(float64(base)*c.cfg.GlobalMultiplier))
}

// Get returns a copy of the learned state for provider/model.
func (c *Controller) Get(provider, model string) (LearnedLimit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limits[Key(provider, model)]
	if !ok {
		return LearnedLimit{}, false
	}
	return copyLimit(l), true
}

// Snapshot returns copies of every learned limit keyed by provider:model.
func (c *Controller) Snapshot() map[string]LearnedLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]LearnedLimit, len(c.limits))
	for k, l := range c.limits {
		out[k] = copyLimit(l)
	}
	return out
}

func copyLimit(l *LearnedLimit) LearnedLimit {
	cp := *l
	cp.Historical429s = append([]time.Time(nil), l.Historical429s...)
	return cp
}

// learnedFile is the persisted form of all learned limits.
type learnedFile struct {
	Version int                     `json:"version"`
	Limits  map[string]LearnedLimit `json:"limits"`
}

// Load merges persisted learned limits into memory, keeping whichever copy
// of each key was updated last. A missing or corrupt record is ignored.
func (c *Controller) Load() error {
	if c.store == nil {
		return nil
	}
	var f learnedFile
	if err := c.store.Get(Namespace, RecordKey, &f); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
			return nil
		}
		return err
	}
	c.mu.Lock()
	c.mergeLocked(f.Limits)
	c.mu.Unlock()
	return nil
}

// Persist merges memory with the persisted record under the record lock and
// writes the result, so limits learned by other instances are adopted too.
func (c *Controller) Persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.WithFileLock(ctx, lockName, persistTTL, func() error {
		var f learnedFile
		if err := c.store.Get(Namespace, RecordKey, &f); err != nil &&
			!errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) {
			return err
		}

		c.mu.Lock()
		c.mergeLocked(f.Limits)
		out := learnedFile{Version: fileVersion, Limits: make(map[string]LearnedLimit, len(c.limits))}
		for k, l := range c.limits {
			out.Limits[k] = copyLimit(l)
		}
		c.mu.Unlock()

		return c.store.Put(Namespace, RecordKey, &out)
	})
}

// mergeLocked adopts every incoming limit newer than the in-memory copy.
func (c *Controller) mergeLocked(in map[string]LearnedLimit) {
	for k, remote := range in {
		local, ok := c.limits[k]
		if ok && !remote.UpdatedAt.After(local.UpdatedAt) {
			continue
		}
		r := remote
		r.Historical429s = append([]time.Time(nil), remote.Historical429s...)
		if r.OriginalConcurrency < c.cfg.MinParallelism {
			r.OriginalConcurrency = c.cfg.MinParallelism
		}
		r.Concurrency = c.clamp(r.Concurrency, r.OriginalConcurrency)
		c.limits[k] = &r
	}
}

// Package parallelism adjusts a per provider:model parallelism level in
// fixed percentage steps. It is the lighter sibling of ratecontrol and backs
// tool-call admission, where a learned history is not worth keeping.
package parallelism

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/logging"
)

// Step sizes.
const (
	rateLimitCut   = 0.30
	timeoutCut     = 0.10
	recoveryGrowth = 0.10

	maxBackoff     = 60 * time.Second
	baseBackoff    = time.Second
	responseWeight = 0.2
)

// ErrorKind is the kind of failure being adjusted for.
type ErrorKind string

// Error kinds.
const (
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorTimeout   ErrorKind = "timeout"
)

// Config holds the adjuster tunables.
type Config struct {
	Min              int
	Max              int
	RecoveryInterval time.Duration
	RecentWindow     time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Min:              1,
		Max:              8,
		RecoveryInterval: 30 * time.Second,
		RecentWindow:     time.Minute,
	}
}

// Health is a point-in-time view of one key.
type Health struct {
	Healthy              bool    `json:"healthy"`
	Current              int     `json:"current"`
	Ceiling              int     `json:"ceiling"`
	ActiveRequests       int     `json:"active_requests"`
	Recent429Count       int     `json:"recent_429_count"`
	AvgResponseMs        float64 `json:"avg_response_ms"`
	RecommendedBackoffMs int64   `json:"recommended_backoff_ms"`
}

type keyState struct {
	current        int
	ceiling        int
	lastRecoveryAt time.Time
	rateLimits     []time.Time
	active         int
	avgResponseMs  float64
	responses      int
}

// Adjuster tracks parallelism per provider:model key.
type Adjuster struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*keyState
}

// Option configures an Adjuster.
type Option func(*Adjuster)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Adjuster) { a.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(a *Adjuster) { a.now = now }
}

// New creates an Adjuster.
func New(cfg Config, opts ...Option) *Adjuster {
	cfg.Min = max(1, cfg.Min)
	cfg.Max = max(cfg.Min, cfg.Max)
	a := &Adjuster{
		cfg:    cfg,
		logger: logging.NopLogger(),
		now:    time.Now,
		keys:   make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func key(provider, model string) string {
	return provider + ":" + model
}

func (a *Adjuster) state(provider, model string) *keyState {
	k := key(provider, model)
	s, ok := a.keys[k]
	if !ok {
		s = &keyState{current: a.cfg.Max, ceiling: a.cfg.Max}
		a.keys[k] = s
	}
	return s
}

func (a *Adjuster) clamp(n, ceiling int) int {
	return max(a.cfg.Min, min(ceiling, n))
}

// GetLimit returns the current parallelism for provider/model.
func (a *Adjuster) GetLimit(provider, model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state(provider, model).current
}

// AdjustForError lowers parallelism by 30% for a rate limit or 10% for a
// timeout, always by at least one, and returns the new level.
func (a *Adjuster) AdjustForError(provider, model string, kind ErrorKind) int {
	now := a.now()
	a.mu.Lock()
	s := a.state(provider, model)
	before := s.current

	cut := timeoutCut
	if kind == ErrorRateLimit {
		cut = rateLimitCut
		s.rateLimits = append(s.rateLimits, now)
		a.pruneLocked(s, now)
	}
	reduced := int(math.Floor(float64(s.current)*(1-cut) + 1e-9))
	s.current = a.clamp(min(reduced, s.current-1), s.ceiling)
	s.lastRecoveryAt = now
	after := s.current
	a.mu.Unlock()

	if after != before {
		a.logger.Info("parallelism reduced",
			"key", key(provider, model),
			"kind", string(kind),
			"before", before,
			"after", after,
		)
	}
	return after
}

// AttemptRecovery raises provider/model by 10% (at least one) for every
// full recovery interval elapsed since the last error or recovery step.
func (a *Adjuster) AttemptRecovery(provider, model string) int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recoverLocked(key(provider, model), a.state(provider, model), now)
}

// RecoverAll runs AttemptRecovery for every known key and returns how many
// keys were raised.
func (a *Adjuster) RecoverAll() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.keys))
	for k := range a.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	raised := 0
	for _, k := range keys {
		s := a.keys[k]
		before := s.current
		if a.recoverLocked(k, s, now) > before {
			raised++
		}
	}
	return raised
}

func (a *Adjuster) recoverLocked(k string, s *keyState, now time.Time) int {
	if s.current >= s.ceiling || a.cfg.RecoveryInterval <= 0 {
		return s.current
	}
	if s.lastRecoveryAt.IsZero() {
		// Never errored; only a raised ceiling leaves it below
		s.current = s.ceiling
		return s.current
	}
	steps := int(now.Sub(s.lastRecoveryAt) / a.cfg.RecoveryInterval)
	if steps <= 0 {
		return s.current
	}

	before := s.current
	for range steps {
		grown := int(math.Floor(float64(s.current)*(1+recoveryGrowth) + 1e-9))
		s.current = a.clamp(max(s.current+1, grown), s.ceiling)
		if s.current == s.ceiling {
			break
		}
	}
	s.lastRecoveryAt = s.lastRecoveryAt.Add(time.Duration(steps) * a.cfg.RecoveryInterval)

	a.logger.Debug("parallelism recovered", "key", k, "before", before, "after", s.current)
	return s.current
}

// ApplyCrossInstanceLimits sets the ceiling for provider/model to the
// configured maximum divided by instanceCount, and lowers the current level
// to fit under it.
func (a *Adjuster) ApplyCrossInstanceLimits(provider, model string, instanceCount int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(provider, model)
	a.applyCeilingLocked(s, instanceCount)
	return s.current
}

// ApplyCrossInstanceLimitsAll applies instanceCount to every known key.
func (a *Adjuster) ApplyCrossInstanceLimitsAll(instanceCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.keys {
		a.applyCeilingLocked(s, instanceCount)
	}
}

func (a *Adjuster) applyCeilingLocked(s *keyState, instanceCount int) {
	instanceCount = max(1, instanceCount)
	s.ceiling = max(a.cfg.Min, a.cfg.Max/instanceCount)
	s.current = a.clamp(s.current, s.ceiling)
}

// RequestStarted marks a request in flight for provider/model.
func (a *Adjuster) RequestStarted(provider, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(provider, model).active++
}

// RequestFinished marks a request done and folds its duration into the
// average response time.
func (a *Adjuster) RequestFinished(provider, model string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(provider, model)
	if s.active > 0 {
		s.active--
	}
	ms := float64(d) / float64(time.Millisecond)
	if s.responses == 0 {
		s.avgResponseMs = ms
	} else {
		s.avgResponseMs += responseWeight * (ms - s.avgResponseMs)
	}
	s.responses++
}

func (a *Adjuster) pruneLocked(s *keyState, now time.Time) {
	cutoff := now.Add(-a.cfg.RecentWindow)
	kept := s.rateLimits[:0]
	for _, at := range s.rateLimits {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	s.rateLimits = kept
}

// GetHealth reports the health of provider/model. A key is healthy when it
// saw no rate limit inside the recent window and runs at no less than half
// its ceiling.
func (a *Adjuster) GetHealth(provider, model string) Health {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(provider, model)
	a.pruneLocked(s, now)
	recent := len(s.rateLimits)

	h := Health{
		Current:        s.current,
		Ceiling:        s.ceiling,
		ActiveRequests: s.active,
		Recent429Count: recent,
		AvgResponseMs:  s.avgResponseMs,
		Healthy:        recent == 0 && s.current*2 >= s.ceiling,
	}
	if recent > 0 {
		backoff := maxBackoff
		if recent <= 6 {
			backoff = min(maxBackoff, baseBackoff<<(recent-1))
		}
		h.RecommendedBackoffMs = backoff.Milliseconds()
	}
	return h
}

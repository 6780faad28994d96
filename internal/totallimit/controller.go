// Package totallimit maintains one global concurrency ceiling shared by every
// instance, learned from a sliding window of request outcomes.
//
// The state lives in a single versioned store record. Every mutation is a
// read-modify-write under the store's file lock, so concurrent processes
// never interleave updates.
package totallimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/store"
	"github.com/influxdata/tdigest"
)

// Persisted record location and schema.
const (
	Namespace     = "total-limit"
	RecordKey     = "state"
	SchemaVersion = 1

	lockName         = "total-limit-state"
	lockTTL          = 5 * time.Second
	limitCacheTTL    = time.Second
	digestCompress   = 100
	decreaseFraction = 0.2
)

// Kind classifies an observation.
type Kind string

// Observation kinds.
const (
	KindSuccess   Kind = "success"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindError     Kind = "error"
)

// Observation is one completed request as seen by the scheduler.
type Observation struct {
	Kind      Kind
	Latency   time.Duration
	Wait      time.Duration
	Timestamp time.Time
}

// Sample is the persisted form of an Observation.
type Sample struct {
	Kind        Kind  `json:"kind"`
	LatencyMs   int64 `json:"latency_ms"`
	WaitMs      int64 `json:"wait_ms"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// State is the persisted controller state.
type State struct {
	Version            int      `json:"version"`
	BaseLimit          int      `json:"base_limit"`
	LearnedLimit       int      `json:"learned_limit"`
	HardMax            int      `json:"hard_max"`
	MinLimit           int      `json:"min_limit"`
	LastDecisionAtMs   int64    `json:"last_decision_at_ms"`
	CooldownUntilMs    int64    `json:"cooldown_until_ms"`
	LastDecisionReason string   `json:"last_decision_reason,omitempty"`
	Samples            []Sample `json:"samples"`
}

// Action is the outcome of a decision.
type Action string

// Decision actions.
const (
	ActionHold     Action = "hold"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
)

// Decision describes one decision run.
type Decision struct {
	Action   Action
	Previous int
	Limit    int
	Reason   string
}

// Config holds the controller tunables.
type Config struct {
	Enabled               bool
	BaseLimit             int
	HardMax               int
	MinLimit              int
	Window                time.Duration
	Cooldown              time.Duration
	MinSamples            int
	LatencyP95Threshold   time.Duration
	WaitP95Threshold      time.Duration
	IncreaseWaitThreshold time.Duration
	DecreaseFactor        float64
	TimeoutRatioThreshold float64
	IncreaseStep          int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		BaseLimit:             6,
		HardMax:               16,
		MinLimit:              1,
		Window:                2 * time.Minute,
		Cooldown:              30 * time.Second,
		MinSamples:            5,
		LatencyP95Threshold:   30 * time.Second,
		WaitP95Threshold:      10 * time.Second,
		IncreaseWaitThreshold: time.Second,
		DecreaseFactor:        0.75,
		TimeoutRatioThreshold: 0.1,
		IncreaseStep:          1,
	}
}

// Controller is the adaptive total-limit controller.
type Controller struct {
	cfg    Config
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time

	// writeMu serialises read-modify-write when there is no store.
	writeMu sync.Mutex

	mu       sync.Mutex
	mem      State
	cached   State
	cachedAt time.Time
	warned   bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists state in st. Without a store the state is process-local.
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
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mem = c.defaultState()
	return c
}

func (c *Controller) defaultState() State {
	st := State{
		Version:      SchemaVersion,
		BaseLimit:    c.cfg.BaseLimit,
		LearnedLimit: c.cfg.BaseLimit,
		HardMax:      c.cfg.HardMax,
		MinLimit:     c.cfg.MinLimit,
	}
	c.normalize(&st)
	return st
}

// normalize applies configured bounds to st and clamps the learned limit.
// Version 0 records predate the version field and lack bounds.
func (c *Controller) normalize(st *State) {
	if st.Version < SchemaVersion {
		st.Version = SchemaVersion
	}
	st.MinLimit = max(1, c.cfg.MinLimit)
	st.HardMax = max(st.MinLimit, c.cfg.HardMax)
	st.BaseLimit = c.clamp(c.cfg.BaseLimit, st)
	if st.LearnedLimit <= 0 {
		st.LearnedLimit = st.BaseLimit
	}
	st.LearnedLimit = c.clamp(st.LearnedLimit, st)
}

func (c *Controller) clamp(n int, st *State) int {
	return max(st.MinLimit, min(st.HardMax, n))
}

// readState loads the persisted state. A missing or corrupt record yields
// defaults. newer reports a record written by a later schema version.
func (c *Controller) readState() (st State, newer bool, err error) {
	if c.store == nil {
		c.mu.Lock()
		st = c.mem
		st.Samples = append([]Sample(nil), c.mem.Samples...)
		c.mu.Unlock()
		return st, false, nil
	}
	if err := c.store.Get(Namespace, RecordKey, &st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.defaultState(), false, nil
		}
		if errors.Is(err, store.ErrCorrupt) {
			c.logger.Warn("total limit state corrupt, resetting", "error", err)
			return c.defaultState(), false, nil
		}
		return State{}, false, err
	}
	if st.Version > SchemaVersion {
		return st, true, nil
	}
	c.normalize(&st)
	return st, false, nil
}

func (c *Controller) writeState(st State) error {
	if c.store == nil {
		c.mu.Lock()
		c.mem = st
		c.mu.Unlock()
		return nil
	}
	return c.store.Put(Namespace, RecordKey, &st)
}

// withStateWriteLock runs fn on the current state under the store lock and
// persists the result. State written by a newer schema is never overwritten.
func (c *Controller) withStateWriteLock(ctx context.Context, fn func(*State) Decision) (Decision, error) {
	var d Decision
	run := func() error {
		st, newer, err := c.readState()
		if err != nil {
			return err
		}
		if newer {
			c.warnNewer(st.Version)
			d = Decision{Action: ActionHold, Previous: st.LearnedLimit, Limit: st.LearnedLimit,
				Reason: fmt.Sprintf("state schema v%d is newer than v%d", st.Version, SchemaVersion)}
			c.setCache(st)
			return nil
		}
		d = fn(&st)
		if err := c.writeState(st); err != nil {
			return err
		}
		c.setCache(st)
		return nil
	}

	if c.store == nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := run()
		return d, err
	}
	err := c.store.WithFileLock(ctx, lockName, lockTTL, run)
	return d, err
}

func (c *Controller) warnNewer(version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned {
		return
	}
	c.warned = true
	c.logger.Warn("total limit state written by a newer version, leaving it untouched",
		"state_version", version, "supported_version", SchemaVersion)
}

func (c *Controller) setCache(st State) {
	c.mu.Lock()
	c.cached = st
	c.cachedAt = c.now()
	c.mu.Unlock()
}

// RecordObservation appends obs to the window and runs a decision when the
// cooldown has elapsed.
func (c *Controller) RecordObservation(ctx context.Context, obs Observation) (Decision, error) {
	if !c.cfg.Enabled {
		return Decision{Action: ActionHold, Reason: "disabled"}, nil
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = c.now()
	}
	d, err := c.withStateWriteLock(ctx, func(st *State) Decision {
		st.Samples = append(st.Samples, Sample{
			Kind:        obs.Kind,
			LatencyMs:   obs.Latency.Milliseconds(),
			WaitMs:      obs.Wait.Milliseconds(),
			TimestampMs: obs.Timestamp.UnixMilli(),
		})
		now := c.now()
		c.trimWindow(st, now)
		return c.maybeRunDecision(st, now)
	})
	if err != nil {
		return Decision{}, err
	}
	if d.Action != ActionHold {
		c.logger.Info("total limit adjusted",
			"action", string(d.Action),
			"previous", d.Previous,
			"limit", d.Limit,
			"reason", d.Reason,
		)
	}
	return d, nil
}

// trimWindow drops samples older than the window.
func (c *Controller) trimWindow(st *State, now time.Time) {
	cutoff := now.Add(-c.cfg.Window).UnixMilli()
	kept := st.Samples[:0]
	for _, s := range st.Samples {
		if s.TimestampMs >= cutoff {
			kept = append(kept, s)
		}
	}
	st.Samples = kept
}

func (c *Controller) maybeRunDecision(st *State, now time.Time) Decision {
	cur := st.LearnedLimit
	if now.UnixMilli() < st.CooldownUntilMs {
		return Decision{Action: ActionHold, Previous: cur, Limit: cur, Reason: "cooldown"}
	}

	next, reason := c.decideNextLimit(st)
	next = c.clamp(next, st)
	if next == cur {
		return Decision{Action: ActionHold, Previous: cur, Limit: cur, Reason: reason}
	}

	action := ActionIncrease
	if next < cur {
		action = ActionDecrease
	}
	st.LearnedLimit = next
	st.LastDecisionAtMs = now.UnixMilli()
	st.CooldownUntilMs = now.Add(c.cfg.Cooldown).UnixMilli()
	st.LastDecisionReason = reason
	st.Samples = nil
	return Decision{Action: action, Previous: cur, Limit: next, Reason: reason}
}

// windowStats summarises the current window.
type windowStats struct {
	total      int
	rateLimits int
	timeouts   int
	successes  int
	latencyP95 time.Duration
	waitP95    time.Duration
}

func stats(samples []Sample) windowStats {
	latency := tdigest.NewWithCompression(digestCompress)
	wait := tdigest.NewWithCompression(digestCompress)
	ws := windowStats{total: len(samples)}
	for _, s := range samples {
		switch s.Kind {
		case KindRateLimit:
			ws.rateLimits++
		case KindTimeout:
			ws.timeouts++
		case KindSuccess:
			ws.successes++
		}
		latency.Add(float64(s.LatencyMs), 1)
		wait.Add(float64(s.WaitMs), 1)
	}
	if ws.total > 0 {
		ws.latencyP95 = time.Duration(latency.Quantile(0.95)) * time.Millisecond
		ws.waitP95 = time.Duration(wait.Quantile(0.95)) * time.Millisecond
	}
	return ws
}

// decideNextLimit proposes the next learned limit from the window.
func (c *Controller) decideNextLimit(st *State) (int, string) {
	cur := st.LearnedLimit
	ws := stats(st.Samples)

	if ws.rateLimits > 0 {
		next := int(math.Floor(float64(cur)*c.cfg.DecreaseFactor + 1e-9))
		return next, fmt.Sprintf("%d rate limit(s) in window", ws.rateLimits)
	}
	if ws.total < c.cfg.MinSamples {
		return cur, fmt.Sprintf("insufficient samples (%d/%d)", ws.total, c.cfg.MinSamples)
	}

	step := max(1, int(math.Floor(float64(cur)*decreaseFraction)))
	timeoutRatio := float64(ws.timeouts) / float64(ws.total)
	switch {
	case timeoutRatio > c.cfg.TimeoutRatioThreshold:
		return cur - step, fmt.Sprintf("timeout ratio %.2f over %.2f", timeoutRatio, c.cfg.TimeoutRatioThreshold)
	case ws.latencyP95 > c.cfg.LatencyP95Threshold:
		return cur - step, fmt.Sprintf("p95 latency %s over %s", ws.latencyP95, c.cfg.LatencyP95Threshold)
	case ws.waitP95 > c.cfg.WaitP95Threshold:
		return cur - step, fmt.Sprintf("p95 wait %s over %s", ws.waitP95, c.cfg.WaitP95Threshold)
	case ws.successes == ws.total && ws.waitP95 <= c.cfg.IncreaseWaitThreshold:
		return cur + max(1, c.cfg.IncreaseStep), fmt.Sprintf("%d successes with p95 wait %s", ws.total, ws.waitP95)
	}
	return cur, "window within thresholds"
}

// GetLimit returns the learned global limit, re-reading the persisted state
// at most once per second.
func (c *Controller) GetLimit() int {
	if !c.cfg.Enabled {
		st := c.defaultState()
		return st.BaseLimit
	}

	c.mu.Lock()
	if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) < limitCacheTTL {
		limit := c.cached.LearnedLimit
		c.mu.Unlock()
		return limit
	}
	c.mu.Unlock()

	st, newer, err := c.readState()
	if err != nil {
		c.logger.Debug("total limit read failed, using base limit", "error", err)
		st = c.defaultState()
	}
	if newer {
		c.warnNewer(st.Version)
	}
	c.setCache(st)
	if st.LearnedLimit <= 0 {
		return c.defaultState().BaseLimit
	}
	return st.LearnedLimit
}

// State returns a copy of the current state.
func (c *Controller) State() (State, error) {
	st, _, err := c.readState()
	return st, err
}

// Reset restores the learned limit to the base limit and clears the window.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.withStateWriteLock(ctx, func(st *State) Decision {
		prev := st.LearnedLimit
		*st = c.defaultState()
		return Decision{Action: ActionHold, Previous: prev, Limit: st.LearnedLimit, Reason: "reset"}
	})
	return err
}

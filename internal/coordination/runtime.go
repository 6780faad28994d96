package coordination

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/pacer/internal/checkpoint"
	"github.com/Iron-Ham/pacer/internal/config"
	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/event"
	"github.com/Iron-Ham/pacer/internal/limits"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/parallelism"
	"github.com/Iron-Ham/pacer/internal/presets"
	"github.com/Iron-Ham/pacer/internal/ratecontrol"
	"github.com/Iron-Ham/pacer/internal/registry"
	"github.com/Iron-Ham/pacer/internal/scheduler"
	"github.com/Iron-Ham/pacer/internal/stealing"
	"github.com/Iron-Ham/pacer/internal/store"
	"github.com/Iron-Ham/pacer/internal/totallimit"
)

// Runtime owns every component of one Pacer process.
type Runtime struct {
	cfg    *config.Config
	id     string
	logger *logging.Logger
	now    func() time.Time
	exec   PayloadExecutor

	store       *store.Store
	registry    *registry.Registry
	rate        *ratecontrol.Controller
	total       *totallimit.Controller
	parallelism *parallelism.Adjuster
	presets     *presets.Table
	resolver    *limits.Resolver
	checkpoints *checkpoint.Manager
	scheduler   *scheduler.Scheduler
	stealing    *stealing.Manager
	bus         *event.Bus

	mu       sync.Mutex
	started  bool
	closed   bool
	stopFunc context.CancelFunc
	group    *errgroup.Group
	eventSub string
	// handoffs tracks entries taken from peers until their task resolves.
	handoffs conc.WaitGroup
}

// New builds a Runtime from cfg. Nothing touches shared state until Init,
// apart from creating the runtime directory.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	rc := &runtimeConfig{}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.fs == nil {
		rc.fs = afero.NewOsFs()
	}
	if rc.logger == nil {
		rc.logger = logging.NopLogger()
	}
	if rc.now == nil {
		rc.now = time.Now
	}
	if rc.bus == nil {
		rc.bus = event.NewBus(event.WithLogger(rc.logger.WithComponent("event")))
	}
	if rc.instanceID == "" {
		rc.instanceID = registry.NewInstanceID()
	}
	logger := rc.logger.WithInstance(rc.instanceID)

	st, err := store.New(rc.fs, cfg.ResolvedRuntimeDir(),
		store.WithClock(rc.now),
		store.WithLogger(logger.WithComponent("store")),
		store.WithOwner(rc.instanceID),
	)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		id:     rc.instanceID,
		logger: logger,
		now:    rc.now,
		exec:   rc.executor,
		store:  st,
		bus:    rc.bus,
	}

	r.total = totallimit.New(totalLimitConfig(&cfg.TotalLimit),
		totallimit.WithStore(st),
		totallimit.WithLogger(logger.WithComponent("totallimit")),
		totallimit.WithClock(rc.now),
	)

	regOpts := []registry.Option{
		registry.WithClock(rc.now),
		registry.WithLogger(logger.WithComponent("registry")),
		registry.WithHeartbeat(cfg.HeartbeatInterval(), cfg.HeartbeatTimeout()),
		registry.WithSnapshotTTL(cfg.Registry.SnapshotTTL()),
		registry.WithLockTTL(cfg.Registry.LockTTL()),
		registry.WithTotalMaxLLM(cfg.Registry.TotalMaxLLM),
		registry.WithTotalOverride(cfg.Overrides.TotalMaxLLM),
		registry.WithLoadWeightedShare(cfg.Registry.LoadWeightedShare),
		registry.WithReclaimHook(func(n int) {
			r.bus.Publish(event.NewInstanceReclaimedEvent(n))
		}),
	}
	if cfg.TotalLimit.Enabled {
		regOpts = append(regOpts, registry.WithTotalLimitSource(r.total))
	}
	r.registry = registry.New(st, regOpts...)

	r.rate = ratecontrol.New(rateControlConfig(&cfg.RateControl),
		ratecontrol.WithStore(st),
		ratecontrol.WithLogger(logger.WithComponent("ratecontrol")),
		ratecontrol.WithClock(rc.now),
	)
	r.parallelism = parallelism.New(parallelismConfig(&cfg.Parallelism),
		parallelism.WithLogger(logger.WithComponent("parallelism")),
		parallelism.WithClock(rc.now),
	)

	table, err := loadPresets(rc.fs, &cfg.Presets)
	if err != nil {
		return nil, err
	}
	r.presets = table

	r.resolver = limits.New(table,
		limits.WithAdaptive(r.rate),
		limits.WithToolLimiter(r.parallelism),
		limits.WithInstances(r.registry),
		limits.WithEnvOverride(cfg.Overrides.MaxConcurrency),
		limits.WithMaxConcurrent(cfg.Scheduler.MaxTotalConcurrent),
		limits.WithMinParallelism(cfg.RateControl.MinParallelism),
		limits.WithLogger(logger.WithComponent("limits")),
	)

	r.checkpoints = checkpoint.New(st,
		checkpoint.WithLogger(logger.WithComponent("checkpoint")),
		checkpoint.WithClock(rc.now),
	)

	r.stealing = stealing.New(st, r.id, r.registry,
		stealing.WithLogger(logger.WithComponent("stealing")),
		stealing.WithClock(rc.now),
		stealing.WithQueueStateTTL(cfg.Stealing.QueueStateTTL()),
		stealing.WithLockTTL(cfg.Stealing.LockTTL()),
		stealing.WithPollInterval(cfg.Stealing.PollInterval()),
		stealing.WithMaxEntries(cfg.Stealing.MaxBroadcastEntries),
		stealing.WithOnStolen(r.onStolen),
		stealing.WithOnReturned(r.onReturned),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithResolver(r.resolver),
		scheduler.WithCheckpoints(r.checkpoints),
		scheduler.WithFeedback(&feedback{
			rate:   r.rate,
			par:    r.parallelism,
			total:  r.total,
			bus:    r.bus,
			logger: logger.WithComponent("feedback"),
			now:    rc.now,
		}),
		scheduler.WithBus(r.bus),
		scheduler.WithLogger(logger.WithComponent("scheduler")),
		scheduler.WithClock(rc.now),
	}
	if cfg.Stealing.Enabled {
		schedOpts = append(schedOpts, scheduler.WithClaim(r.stealing.ReclaimEntry))
	}
	if rc.tracer != nil {
		schedOpts = append(schedOpts, scheduler.WithTracerProvider(rc.tracer))
	}
	r.scheduler = scheduler.New(schedulerConfig(&cfg.Scheduler), schedOpts...)
	r.resolver.SetRuntimeSnapshotProvider(r.scheduler.RuntimeSnapshot)

	return r, nil
}

// loadPresets returns the built-in table, layered with the configured file.
func loadPresets(fs afero.Fs, c *config.PresetsConfig) (*presets.Table, error) {
	table := presets.Builtin()
	if c.File != "" {
		loaded, err := presets.LoadFile(fs, c.File)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	if c.DefaultTier != "" {
		table.DefaultTier = c.DefaultTier
	}
	return table, nil
}

// Init loads persisted state, registers this instance, installs the
// heartbeat hooks and starts the scheduler and, when a payload executor is
// set, the steal loop. The runtime runs until Shutdown or ctx ends.
func (r *Runtime) Init(ctx context.Context, sessionID, cwd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return errors.Validation("coordination.init", "runtime", "already started")
	}

	if err := r.rate.Load(); err != nil {
		r.logger.Warn("failed to load learned limits", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	info, err := r.registry.Register(runCtx, sessionID, cwd, &registry.Overrides{InstanceID: r.id})
	if err != nil {
		cancel()
		return err
	}
	r.registry.OnHeartbeat(r.broadcast)
	r.registry.OnHeartbeat(r.cleanup)
	r.registry.OnHeartbeat(r.recoverLimits)

	eventLog := r.logger.WithComponent("event")
	r.eventSub = r.bus.SubscribeAll(func(e event.Event) {
		eventLog.Debug("event published", "type", e.EventType(), "event", e)
	})
	r.bus.Publish(event.NewInstanceRegisteredEvent(info.InstanceID, info.SessionID))

	g, gctx := errgroup.WithContext(runCtx)
	r.scheduler.Start(gctx)

	if r.stealingActive() {
		g.Go(func() error {
			return r.stealing.Watch(gctx, func() { r.stealOnce(gctx) })
		})
	}

	r.stopFunc = cancel
	r.group = g
	r.started = true

	r.logger.Info("runtime started",
		"session_id", sessionID,
		"stealing", r.stealingActive(),
		"total_limit", r.cfg.TotalLimit.Enabled,
	)
	return nil
}

func (r *Runtime) stealingActive() bool {
	return r.cfg.Stealing.Enabled && r.exec != nil
}

// Shutdown stops the steal loop and the scheduler, unregisters, withdraws
// the queue broadcast and persists learned limits. It is idempotent and the
// runtime cannot be started again.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.closed = true
	stop, g := r.stopFunc, r.group
	r.mu.Unlock()

	stop()
	var errs []error
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	r.scheduler.Stop()
	r.handoffs.Wait()

	// Unregister waits for the heartbeat loop, so no broadcast can follow
	// the withdrawal.
	if err := r.registry.Unregister(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.stealing.Withdraw(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.rate.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	r.bus.Unsubscribe(r.eventSub)

	r.logger.Info("runtime stopped")
	return errors.Join(errs...)
}

// broadcast publishes the local queue for peers and refreshes the load and
// active models advertised on the lease.
func (r *Runtime) broadcast(ctx context.Context) {
	stats := r.scheduler.Stats()
	r.registry.SetLoad(stats.Queued, stats.AvgLatencyMs)

	snap := r.scheduler.RuntimeSnapshot()
	models := make([]string, 0, len(snap.ActiveByKey))
	for key, n := range snap.ActiveByKey {
		if n > 0 {
			models = append(models, key)
		}
	}
	sort.Strings(models)
	r.registry.SetActiveModels(models)

	if !r.cfg.Stealing.Enabled {
		return
	}
	tasks := r.scheduler.StealableEntries()
	entries := make([]stealing.StealableEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, stealing.StealableEntry{
			ID:                  t.ID,
			Source:              t.Source,
			Provider:            t.Provider,
			Model:               t.Model,
			Priority:            t.Priority.String(),
			EstimatedTokens:     t.EstimatedTokens,
			EstimatedDurationMs: t.EstimatedDuration.Milliseconds(),
			Payload:             t.Payload,
			EnqueuedAt:          t.EnqueuedAt,
		})
	}
	err := r.stealing.BroadcastQueueState(ctx, stealing.Snapshot{
		PendingTaskCount:     stats.Queued,
		ActiveOrchestrations: stats.Running,
		StealableEntries:     entries,
		AvgLatencyMs:         stats.AvgLatencyMs,
	})
	if err != nil {
		r.logger.Warn("queue broadcast failed", "error", err)
	}
}

func (r *Runtime) cleanup(ctx context.Context) {
	if n, err := r.store.CleanupExpiredLocks(); err != nil {
		r.logger.Warn("lock cleanup failed", "error", err)
	} else if n > 0 {
		r.logger.Debug("removed expired locks", "count", n)
	}
	if !r.cfg.Stealing.Enabled {
		return
	}
	if _, err := r.stealing.CleanupQueueStates(ctx); err != nil {
		r.logger.Warn("queue state cleanup failed", "error", err)
	}
}

func (r *Runtime) recoverLimits(ctx context.Context) {
	if n := r.rate.ProcessRecoveries(r.now()); n > 0 {
		r.logger.Debug("rate limits recovered", "keys", n)
	}
	if n := r.parallelism.RecoverAll(); n > 0 {
		r.logger.Debug("parallelism recovered", "keys", n)
	}
	r.parallelism.ApplyCrossInstanceLimitsAll(r.registry.GetActiveInstanceCount())
	if err := r.rate.Persist(ctx); err != nil {
		r.logger.Warn("failed to persist learned limits", "error", err)
	}
}

// stealOnce takes one entry from the busiest peer when this instance has
// nothing queued, and runs it through the local scheduler.
func (r *Runtime) stealOnce(ctx context.Context) {
	if r.scheduler.Stats().Queued > 0 || !r.stealing.ShouldAttemptWorkStealing() {
		return
	}
	entry, from, err := r.stealing.SafeStealWork(ctx)
	if err != nil {
		r.logger.Warn("steal attempt failed", "error", err)
		return
	}
	if entry == nil {
		return
	}
	r.bus.Publish(event.NewWorkStolenEvent(entry.ID, from, r.id))
	r.runEntry(ctx, *entry, from)
}

// runEntry schedules entry through the payload executor. If the task is
// never dispatched, entry goes back to owner; an empty owner means this
// instance is the owner and the entry is lost.
func (r *Runtime) runEntry(ctx context.Context, entry stealing.StealableEntry, owner string) {
	prio, err := scheduler.ParsePriority(entry.Priority)
	if err != nil {
		prio = scheduler.PriorityNormal
	}
	var started atomic.Bool
	task := scheduler.ScheduledTask{
		ID:       entry.ID,
		Source:   entry.Source,
		Provider: entry.Provider,
		Model:    entry.Model,
		Priority: prio,
		Cost: scheduler.CostEstimate{
			EstimatedTokens:   entry.EstimatedTokens,
			EstimatedDuration: time.Duration(entry.EstimatedDurationMs) * time.Millisecond,
		},
		Execute: func(ctx context.Context) (any, error) {
			started.Store(true)
			return r.exec(ctx, entry)
		},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.handBack(ctx, entry, owner, errors.ErrSchedulerStopped)
		return
	}
	h, err := r.scheduler.Submit(ctx, task)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("failed to schedule peer entry", "entry_id", entry.ID, "owner", owner, "error", err)
		r.handBack(ctx, entry, owner, err)
		return
	}
	r.handoffs.Go(func() {
		res := h.Wait(context.Background())
		// Results decided before dispatch; anything later ran here.
		if started.Load() || !(res.Aborted || errors.Is(res.Err, errors.ErrQueueTimeout)) {
			return
		}
		r.handBack(ctx, entry, owner, res.Err)
	})
	r.mu.Unlock()
}

// handBack returns an entry this instance could not run to its owner.
func (r *Runtime) handBack(ctx context.Context, entry stealing.StealableEntry, owner string, cause error) {
	if owner == "" {
		r.logger.Error("handed-back entry dropped", "entry_id", entry.ID, "error", cause)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Stealing.LockTTL())
	defer cancel()
	ok, err := r.stealing.ReturnEntry(ctx, owner, entry)
	switch {
	case err != nil:
		r.logger.Error("failed to hand entry back", "entry_id", entry.ID, "owner", owner, "error", err)
	case !ok:
		r.logger.Error("stolen entry lost, owner no longer holds it", "entry_id", entry.ID, "owner", owner, "error", cause)
	}
}

// onStolen resolves a local task a peer took.
func (r *Runtime) onStolen(entryID, thief string) {
	if !r.scheduler.MarkStolen(entryID, thief) {
		r.logger.Debug("stolen entry no longer queued locally", "entry_id", entryID, "thief", thief)
	}
}

// onReturned runs an entry a thief gave back after the local task was
// resolved as stolen.
func (r *Runtime) onReturned(entry stealing.StealableEntry) {
	if r.exec == nil {
		r.logger.Error("handed-back entry dropped, no payload executor", "entry_id", entry.ID)
		return
	}
	r.runEntry(context.Background(), entry, "")
}

// InstanceID returns this instance's ID.
func (r *Runtime) InstanceID() string { return r.id }

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Store returns the shared store.
func (r *Runtime) Store() *store.Store { return r.store }

// Registry returns the instance registry.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// RateControl returns the per-model learned-limit controller.
func (r *Runtime) RateControl() *ratecontrol.Controller { return r.rate }

// TotalLimit returns the global total-limit controller.
func (r *Runtime) TotalLimit() *totallimit.Controller { return r.total }

// Parallelism returns the tool-call parallelism adjuster.
func (r *Runtime) Parallelism() *parallelism.Adjuster { return r.parallelism }

// Presets returns the effective preset table.
func (r *Runtime) Presets() *presets.Table { return r.presets }

// Resolver returns the unified limit resolver.
func (r *Runtime) Resolver() *limits.Resolver { return r.resolver }

// Checkpoints returns the checkpoint manager.
func (r *Runtime) Checkpoints() *checkpoint.Manager { return r.checkpoints }

// Scheduler returns the task scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Stealing returns the work-stealing manager.
func (r *Runtime) Stealing() *stealing.Manager { return r.stealing }

// Bus returns the event bus.
func (r *Runtime) Bus() *event.Bus { return r.bus }

// Running reports whether Init has run and Shutdown has not.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

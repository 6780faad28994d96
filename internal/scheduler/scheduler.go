// Package scheduler orders and admits LLM and tool work per provider:model.
//
// Each key has its own queue ordered by a hybrid score of priority,
// shortest-job-first and virtual-finish-time fairness, with starvation
// promotion bounding worst-case wait. A single dispatch goroutine admits
// queue heads while the resolved concurrency for their key and the global
// ceiling allow, and reacts to completion events and a periodic tick.
package scheduler

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/pacer/internal/checkpoint"
	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/event"
	"github.com/Iron-Ham/pacer/internal/limits"
	"github.com/Iron-Ham/pacer/internal/logging"
)

const tracerName = "github.com/Iron-Ham/pacer/internal/scheduler"

// Config controls queueing and admission.
type Config struct {
	MaxConcurrentPerModel int
	MaxTotalConcurrent    int
	// DefaultTimeout bounds each execution. Zero disables it.
	DefaultTimeout time.Duration
	// QueueTimeout bounds time spent waiting for a slot. Zero disables it.
	QueueTimeout time.Duration
	TickInterval time.Duration

	PriorityWeight   float64
	SJFWeight        float64
	FairQueueWeight  float64
	StarvationWeight float64

	StarvationThreshold time.Duration
	MaxSkipCount        int

	PreemptionEnabled bool
	// EventBuffer sizes the channel returned by Events.
	EventBuffer int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerModel: 4,
		MaxTotalConcurrent:    8,
		DefaultTimeout:        5 * time.Minute,
		TickInterval:          time.Second,
		PriorityWeight:        0.5,
		SJFWeight:             0.2,
		FairQueueWeight:       0.2,
		StarvationWeight:      0.1,
		StarvationThreshold:   30 * time.Second,
		MaxSkipCount:          3,
		PreemptionEnabled:     true,
		EventBuffer:           256,
	}
}

// LimitResolver resolves the effective concurrency for a key.
type LimitResolver interface {
	Resolve(in limits.Input) limits.Result
}

// CheckpointManager saves and loads preempted task state.
type CheckpointManager interface {
	CreateCheckpoint(cp checkpoint.Checkpoint) (checkpoint.Checkpoint, error)
	GetCheckpoint(id string) (checkpoint.Checkpoint, error)
}

// FeedbackSink receives execution outcomes. Calls happen on execution
// goroutines, never on the dispatch goroutine.
type FeedbackSink interface {
	Started(provider, model string)
	Succeeded(provider, model string, latency, wait time.Duration)
	RateLimited(provider, model string, err *errors.RateLimitError, latency, wait time.Duration)
	TimedOut(provider, model string, latency, wait time.Duration)
	Failed(provider, model string, err error, latency, wait time.Duration)
	Aborted(provider, model string, latency, wait time.Duration)
}

// ClaimFunc is called before a stealable task runs locally. It returns
// false, with the thief's instance ID, when a peer already took the task.
type ClaimFunc func(ctx context.Context, taskID string) (claimed bool, stolenBy string, err error)

// EventKind identifies a scheduler event.
type EventKind int

// Scheduler events.
const (
	EventTaskCompleted EventKind = iota
	EventTaskFailed
	EventSlotFreed
)

func (k EventKind) String() string {
	switch k {
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskFailed:
		return "task_failed"
	case EventSlotFreed:
		return "slot_freed"
	}
	return "unknown"
}

// Event is a scheduler notification.
type Event struct {
	Kind     EventKind
	TaskID   string
	Key      string
	Priority Priority
	Result   TaskResult
	// RunningKey and RunningTotal are the slot counts after a SlotFreed.
	RunningKey   int
	RunningTotal int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResolver sets the limit resolver consulted on admission.
func WithResolver(r LimitResolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

// WithCheckpoints sets the checkpoint manager used for preemption.
func WithCheckpoints(m CheckpointManager) Option {
	return func(s *Scheduler) { s.checkpoints = m }
}

// WithFeedback sets the outcome sink.
func WithFeedback(f FeedbackSink) Option {
	return func(s *Scheduler) { s.feedback = f }
}

// WithBus sets the bus events are forwarded to.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithClaim sets the hook run before a stealable task executes.
func WithClaim(fn ClaimFunc) Option {
	return func(s *Scheduler) { s.claim = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the clock used for scoring and wait accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTracerProvider sets the tracer provider for execution spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) { s.tracer = tp.Tracer(tracerName) }
}

// Scheduler queues tasks per key and admits them under resolved limits.
type Scheduler struct {
	cfg         Config
	resolver    LimitResolver
	checkpoints CheckpointManager
	feedback    FeedbackSink
	bus         *event.Bus
	claim       ClaimFunc
	logger      *logging.Logger
	now         func() time.Time
	tracer      trace.Tracer

	mu           sync.Mutex
	queues       map[string][]*entry
	running      map[string]map[string]*entry
	runningTotal int
	byID         map[string]*entry
	seq          uint64
	stats        Stats
	lastLimits   map[string]limits.Result
	started      bool
	stopping     bool
	rootCtx      context.Context

	snapshot atomic.Pointer[limits.RuntimeSnapshot]

	wake     chan struct{}
	internal chan Event
	execs    *conc.WaitGroup

	pubMu     sync.RWMutex
	public    chan Event
	pubClosed bool

	stopFunc context.CancelFunc
	stopped  chan struct{}
	loopDone chan struct{}
}

// New creates a scheduler. It accepts submissions immediately and starts
// dispatching once Start is called.
func New(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrentPerModel <= 0 {
		cfg.MaxConcurrentPerModel = def.MaxConcurrentPerModel
	}
	if cfg.MaxTotalConcurrent <= 0 {
		cfg.MaxTotalConcurrent = def.MaxTotalConcurrent
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	s := &Scheduler{
		cfg:        cfg,
		logger:     logging.NopLogger(),
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
		queues:     make(map[string][]*entry),
		running:    make(map[string]map[string]*entry),
		byID:       make(map[string]*entry),
		lastLimits: make(map[string]limits.Result),
		wake:       make(chan struct{}, 1),
		internal:   make(chan Event, cfg.EventBuffer),
		public:     make(chan Event, cfg.EventBuffer),
		execs:      conc.NewWaitGroup(),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishSnapshotLocked()
	return s
}

// Config returns the configuration in effect.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start begins dispatching. Cancelling ctx has the same effect on running
// tasks as Stop, but Stop must still be called to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.rootCtx = ctx
	s.stopFunc = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.signal()
}

// Stop stops dispatching, aborts queued tasks and waits for running tasks
// to return. Running tasks see their context cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.stopFunc()
		<-s.stopped
	} else {
		close(s.loopDone)
	}

	s.mu.Lock()
	var queued []*entry
	for key, q := range s.queues {
		queued = append(queued, q...)
		delete(s.queues, key)
	}
	for _, e := range queued {
		delete(s.byID, e.task.ID)
		s.stats.Aborted++
		if e.stopWatch != nil {
			e.stopWatch()
		}
	}
	s.publishSnapshotLocked()
	s.mu.Unlock()

	for _, e := range queued {
		res := TaskResult{
			Aborted: true,
			Waited:  s.now().Sub(e.enqueuedAt),
			Err:     errors.New(errors.KindCanceled, "scheduler.stop", "scheduler stopped before dispatch", errors.ErrSchedulerStopped),
		}
		e.handle.resolve(res)
		s.forward(s.failedEvent(e, res))
	}

	s.execs.Wait()
	s.drainInternal()
	s.pubMu.Lock()
	s.pubClosed = true
	close(s.public)
	s.pubMu.Unlock()
	s.logger.Info("scheduler stopped", "aborted_queued", len(queued))
}

// Events returns a channel of scheduler events. Events are dropped, and
// counted in Stats, when the reader falls behind. The channel is closed by
// Stop.
func (s *Scheduler) Events() <-chan Event {
	return s.public
}

// Submit enqueues task. The returned handle resolves when the task
// completes, fails, times out or is aborted. Cancelling ctx aborts the task
// if it is still queued and cancels its execution context otherwise.
func (s *Scheduler) Submit(ctx context.Context, task ScheduledTask) (*Handle, error) {
	if err := task.validate(); err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.OperationType == "" {
		task.OperationType = limits.OperationLLM
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.KindCanceled, "scheduler.submit", "context done before submit", err)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, errors.New(errors.KindCanceled, "scheduler.submit", "not accepting work", errors.ErrSchedulerStopped)
	}
	if _, dup := s.byID[task.ID]; dup {
		s.mu.Unlock()
		return nil, errors.Validation("scheduler.submit", "id", "task "+task.ID+" is already scheduled")
	}

	s.seq++
	e := &entry{
		task:       task,
		handle:     newHandle(task.ID),
		ctx:        ctx,
		seq:        s.seq,
		enqueuedAt: s.now(),
		effective:  task.Priority,
	}
	key := e.key()
	s.queues[key] = append(s.queues[key], e)
	s.byID[task.ID] = e
	s.stats.Submitted++
	s.publishSnapshotLocked()
	e.stopWatch = context.AfterFunc(ctx, func() { s.abortQueued(e) })
	s.mu.Unlock()

	s.logger.Debug("task submitted",
		"task_id", task.ID,
		"key", key,
		"priority", task.Priority.String(),
		"source", task.Source,
	)
	s.signal()
	return e.handle, nil
}

// Run submits task and waits for its result.
func (s *Scheduler) Run(ctx context.Context, task ScheduledTask) TaskResult {
	h, err := s.Submit(ctx, task)
	if err != nil {
		return TaskResult{TaskID: task.ID, Err: err, Aborted: errors.KindOf(err) == errors.KindCanceled}
	}
	<-h.Done()
	return h.result
}

// abortQueued resolves e as aborted if it has not been dispatched.
func (s *Scheduler) abortQueued(e *entry) {
	s.mu.Lock()
	if !s.removeQueuedLocked(e) {
		s.mu.Unlock()
		return
	}
	s.stats.Aborted++
	s.publishSnapshotLocked()
	s.mu.Unlock()

	res := TaskResult{
		Aborted: true,
		Waited:  s.now().Sub(e.enqueuedAt),
		Err:     errors.New(errors.KindCanceled, "scheduler.queue", "caller cancelled while queued", context.Cause(e.ctx)),
	}
	e.handle.resolve(res)
	s.emit(s.failedEvent(e, res))
}

// MarkStolen resolves a queued stealable task that a peer has taken. It
// reports false if the task is not queued here.
func (s *Scheduler) MarkStolen(taskID, stolenBy string) bool {
	s.mu.Lock()
	e, ok := s.byID[taskID]
	if !ok || len(e.task.Payload) == 0 || !s.removeQueuedLocked(e) {
		s.mu.Unlock()
		return false
	}
	s.stats.Completed++
	s.stats.Stolen++
	s.publishSnapshotLocked()
	s.mu.Unlock()

	if e.stopWatch != nil {
		e.stopWatch()
	}
	res := TaskResult{Success: true, StolenBy: stolenBy, Waited: s.now().Sub(e.enqueuedAt)}
	e.handle.resolve(res)
	s.logger.Info("queued task taken by peer", "task_id", taskID, "stolen_by", stolenBy)
	s.emit(Event{Kind: EventTaskCompleted, TaskID: taskID, Key: e.key(), Priority: e.task.Priority, Result: res})
	return true
}

// removeQueuedLocked removes e from its queue. It reports false if e is not
// queued.
func (s *Scheduler) removeQueuedLocked(e *entry) bool {
	key := e.key()
	q := s.queues[key]
	for i, qe := range q {
		if qe != e {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(s.queues, key)
		} else {
			s.queues[key] = q
		}
		delete(s.byID, e.task.ID)
		return true
	}
	return false
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// emit hands ev to the dispatch goroutine, or forwards it directly once the
// loop has exited.
func (s *Scheduler) emit(ev Event) {
	select {
	case s.internal <- ev:
	case <-s.loopDone:
		s.forward(ev)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainInternal()
			return
		case ev := <-s.internal:
			s.dispatch()
			s.forward(ev)
		case <-s.wake:
			s.dispatch()
		case <-ticker.C:
			s.dispatch()
		}
	}
}

func (s *Scheduler) drainInternal() {
	for {
		select {
		case ev := <-s.internal:
			s.forward(ev)
		default:
			return
		}
	}
}

// forward publishes ev to the bus and the Events channel.
func (s *Scheduler) forward(ev Event) {
	s.pubMu.RLock()
	dropped := false
	if !s.pubClosed {
		select {
		case s.public <- ev:
		default:
			dropped = true
		}
	}
	s.pubMu.RUnlock()
	if dropped {
		s.mu.Lock()
		s.stats.DroppedEvents++
		s.mu.Unlock()
	}

	if s.bus == nil {
		return
	}
	prio := ev.Priority.String()
	switch ev.Kind {
	case EventTaskCompleted:
		done := event.NewTaskCompletedEvent(ev.TaskID, ev.Key, prio, ev.Result.Waited, ev.Result.Executed)
		done.StolenBy = ev.Result.StolenBy
		s.bus.Publish(done)
	case EventTaskFailed:
		msg := ""
		if ev.Result.Err != nil {
			msg = ev.Result.Err.Error()
		}
		s.bus.Publish(event.NewTaskFailedEvent(ev.TaskID, ev.Key, prio, msg,
			errors.KindOf(ev.Result.Err).String(), ev.Result.TimedOut, ev.Result.Aborted))
	case EventSlotFreed:
		s.bus.Publish(event.NewSlotFreedEvent(ev.Key, ev.RunningKey, ev.RunningTotal))
	}
}

func (s *Scheduler) failedEvent(e *entry, res TaskResult) Event {
	return Event{Kind: EventTaskFailed, TaskID: e.task.ID, Key: e.key(), Priority: e.task.Priority, Result: res}
}

// dispatch expires, promotes and admits queued tasks.
func (s *Scheduler) dispatch() {
	now := s.now()
	var expired, cancelled, victims []*entry

	s.mu.Lock()
	if s.stopping || s.rootCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	for _, q := range s.queues {
		for _, e := range q {
			switch {
			case e.ctx.Err() != nil:
				cancelled = append(cancelled, e)
			case s.queueExpired(e, now):
				expired = append(expired, e)
			}
		}
	}
	for _, e := range expired {
		s.removeQueuedLocked(e)
		s.stats.TimedOut++
	}
	for _, e := range cancelled {
		s.removeQueuedLocked(e)
		s.stats.Aborted++
	}
	for _, q := range s.queues {
		s.stats.Promotions += s.promote(q, now)
	}

	blocked := make(map[string]bool)
	for s.runningTotal < s.cfg.MaxTotalConcurrent {
		head := s.bestHeadLocked(blocked)
		if head == nil {
			break
		}
		key := head.key()
		if len(s.running[key]) >= s.keyLimitLocked(head) {
			blocked[key] = true
			if v := s.victimLocked(head, key); v != nil {
				victims = append(victims, v)
			}
			continue
		}
		s.removeQueuedLocked(head)
		s.byID[head.task.ID] = head
		s.startLocked(head, now)
	}
	if s.runningTotal >= s.cfg.MaxTotalConcurrent {
		if head := s.bestHeadLocked(blocked); head != nil {
			if v := s.victimLocked(head, ""); v != nil {
				victims = append(victims, v)
			}
		}
	}
	s.publishSnapshotLocked()
	s.mu.Unlock()

	for _, e := range expired {
		if e.stopWatch != nil {
			e.stopWatch()
		}
		res := TaskResult{
			TimedOut: true,
			Waited:   now.Sub(e.enqueuedAt),
			Err:      errors.New(errors.KindQueueTimeout, "scheduler.queue", "no slot before queue timeout", errors.ErrQueueTimeout),
		}
		e.handle.resolve(res)
		s.logger.Warn("task timed out in queue", "task_id", e.task.ID, "key", e.key(), "waited", res.Waited)
		s.forward(s.failedEvent(e, res))
	}
	for _, e := range cancelled {
		res := TaskResult{
			Aborted: true,
			Waited:  now.Sub(e.enqueuedAt),
			Err:     errors.New(errors.KindCanceled, "scheduler.queue", "caller cancelled while queued", context.Cause(e.ctx)),
		}
		e.handle.resolve(res)
		s.forward(s.failedEvent(e, res))
	}
	for _, v := range victims {
		s.execs.Go(func() {
			if _, err := s.PreemptTask(v.task.ID, "preempted by higher priority work", nil, nil); err != nil {
				s.logger.Warn("automatic preemption failed", "task_id", v.task.ID, "error", err)
			}
		})
	}
}

func (s *Scheduler) queueExpired(e *entry, now time.Time) bool {
	if s.cfg.QueueTimeout > 0 && now.Sub(e.enqueuedAt) >= s.cfg.QueueTimeout {
		return true
	}
	return !e.task.Deadline.IsZero() && !now.Before(e.task.Deadline)
}

// bestHeadLocked sorts every unblocked queue and returns the best head
// across them.
func (s *Scheduler) bestHeadLocked(blocked map[string]bool) *entry {
	var best *entry
	var bestScore float64
	for key, q := range s.queues {
		if blocked[key] || len(q) == 0 {
			continue
		}
		scores := s.sortQueue(q)
		head := q[0]
		sc := scores[head]
		if best == nil || sc > bestScore || (sc == bestScore && head.seq < best.seq) {
			best, bestScore = head, sc
		}
	}
	return best
}

// keyLimitLocked returns how many tasks may run at once for e's key.
func (s *Scheduler) keyLimitLocked(e *entry) int {
	limit := s.cfg.MaxConcurrentPerModel
	if s.resolver == nil {
		return limit
	}
	res := s.resolver.Resolve(limits.Input{
		Provider:      e.task.Provider,
		Model:         e.task.Model,
		Tier:          e.task.Tier,
		OperationType: e.task.OperationType,
		Priority:      e.effective.String(),
	})
	key := e.key()
	if prev, ok := s.lastLimits[key]; !ok || prev.EffectiveConcurrency != res.EffectiveConcurrency {
		s.logger.Debug("resolved limit changed",
			"key", key,
			"effective", res.EffectiveConcurrency,
			"limiting_factor", string(res.LimitingFactor),
			"reason", res.LimitingReason,
		)
	}
	s.lastLimits[key] = res
	return min(limit, res.EffectiveConcurrency)
}

// victimLocked picks the lowest-priority running task that head may
// preempt. key restricts the search to one key when non-empty.
func (s *Scheduler) victimLocked(head *entry, key string) *entry {
	if !s.cfg.PreemptionEnabled || head.effective < PriorityHigh {
		return nil
	}
	var victim *entry
	for k, running := range s.running {
		if key != "" && k != key {
			continue
		}
		for _, r := range running {
			if r.preempting {
				// One preemption at a time per scope.
				return nil
			}
			if r.task.Snapshot == nil || r.noCheckpoint || !ShouldPreempt(r.task.Priority, head.effective) {
				continue
			}
			if victim == nil || r.task.Priority < victim.task.Priority ||
				(r.task.Priority == victim.task.Priority && r.seq > victim.seq) {
				victim = r
			}
		}
	}
	if victim != nil {
		victim.preempting = true
		s.logger.Info("preempting running task",
			"victim", victim.task.ID,
			"victim_priority", victim.task.Priority.String(),
			"incoming", head.task.ID,
			"incoming_priority", head.effective.String(),
		)
	}
	return victim
}

// RuntimeSnapshot returns current load. It never blocks on the scheduler
// lock, so a resolver may call it during admission.
func (s *Scheduler) RuntimeSnapshot() limits.RuntimeSnapshot {
	return *s.snapshot.Load()
}

func (s *Scheduler) publishSnapshotLocked() {
	snap := limits.RuntimeSnapshot{
		ActiveCount:   s.runningTotal,
		ActiveByKey:   make(map[string]int, len(s.running)),
		MaxConcurrent: s.cfg.MaxTotalConcurrent,
	}
	for key, r := range s.running {
		snap.ActiveByKey[key] = len(r)
	}
	for _, q := range s.queues {
		snap.QueuedCount += len(q)
	}
	s.snapshot.Store(&snap)
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Slots = s.runningTotal
	for _, r := range s.running {
		for _, e := range r {
			if !e.handle.resolved() {
				st.Running++
			}
		}
	}
	for _, q := range s.queues {
		st.Queued += len(q)
	}
	return st
}

// LastLimit returns the most recent resolution for key.
func (s *Scheduler) LastLimit(key string) (limits.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastLimits[key]
	return r, ok
}

// StealableEntries lists queued tasks that carry a payload, oldest first.
func (s *Scheduler) StealableEntries() []StealableTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StealableTask
	for _, q := range s.queues {
		for _, e := range q {
			if len(e.task.Payload) == 0 {
				continue
			}
			out = append(out, StealableTask{
				ID:                e.task.ID,
				Source:            e.task.Source,
				Provider:          e.task.Provider,
				Model:             e.task.Model,
				Priority:          e.task.Priority,
				EstimatedTokens:   e.task.Cost.EstimatedTokens,
				EstimatedDuration: e.task.Cost.EstimatedDuration,
				Payload:           e.task.Payload,
				EnqueuedAt:        e.enqueuedAt,
			})
		}
	}
	slices.SortFunc(out, func(a, b StealableTask) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

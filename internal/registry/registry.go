// Package registry tracks the live Pacer instances on a host through
// heartbeat lease records, and splits the fleet-wide LLM concurrency budget
// between them.
//
// Each instance owns one lease in the "instances" namespace of the shared
// store and refreshes it every heartbeat interval. A lease whose last
// heartbeat is older than the heartbeat timeout marks a dead instance; any
// live instance may delete it, which is the only way a crashed instance's
// share is returned to the fleet.
package registry

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/store"
	"github.com/google/uuid"
)

// Namespace is the store namespace holding instance leases.
const Namespace = "instances"

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultSnapshotTTL       = time.Second
	defaultLockTTL           = 5 * time.Second
	defaultTotalMaxLLM       = 8
)

// InstanceInfo is one instance's lease record.
type InstanceInfo struct {
	InstanceID       string    `json:"instance_id"`
	PID              int       `json:"pid"`
	SessionID        string    `json:"session_id"`
	StartedAt        time.Time `json:"started_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Cwd              string    `json:"cwd"`
	ActiveModels     []string  `json:"active_models"`
	PendingTaskCount int       `json:"pending_task_count,omitempty"`
	AvgLatencyMs     float64   `json:"avg_latency_ms,omitempty"`
	Hostname         string    `json:"hostname"`
}

// Overrides adjusts a single registration.
type Overrides struct {
	// InstanceID replaces the generated inst-<hex> identifier.
	InstanceID string
	// TotalMaxLLM replaces the fleet budget for this registry.
	TotalMaxLLM int
	// HeartbeatInterval and HeartbeatTimeout replace the configured values.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// TotalLimitSource supplies an adaptive ceiling on the fleet budget.
type TotalLimitSource interface {
	GetLimit() int
}

// HeartbeatHook runs after every heartbeat tick.
type HeartbeatHook func(ctx context.Context)

// Registry registers this process and answers fleet-size questions.
type Registry struct {
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	snapshotTTL       time.Duration
	lockTTL           time.Duration
	totalMaxLLM       int
	totalOverride     int
	totalSource       TotalLimitSource
	onReclaim         func(count int)
	loadWeighted      bool

	mu       sync.RWMutex
	self     *InstanceInfo
	hooks    []HeartbeatHook
	cache    []InstanceInfo
	cachedAt time.Time
	cacheOK  bool
	share    *fleetShare

	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithHeartbeat sets the heartbeat interval and timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.heartbeatInterval = interval
		}
		if timeout > 0 {
			r.heartbeatTimeout = timeout
		}
	}
}

// WithSnapshotTTL sets how long the active-instance list is cached.
func WithSnapshotTTL(d time.Duration) Option {
	return func(r *Registry) { r.snapshotTTL = d }
}

// WithLockTTL sets the TTL of lease write locks.
func WithLockTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lockTTL = d
		}
	}
}

// WithTotalMaxLLM sets the configured fleet budget.
func WithTotalMaxLLM(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.totalMaxLLM = n
		}
	}
}

// WithTotalOverride sets an absolute fleet budget that bypasses the
// adaptive total limit. Zero means unset.
func WithTotalOverride(n int) Option {
	return func(r *Registry) { r.totalOverride = n }
}

// WithTotalLimitSource caps the fleet budget by an adaptive ceiling.
func WithTotalLimitSource(src TotalLimitSource) Option {
	return func(r *Registry) { r.totalSource = src }
}

// WithLoadWeightedShare makes Share split the budget by pending work, as
// GetDynamicParallelLimit does, instead of equally.
func WithLoadWeightedShare(on bool) Option {
	return func(r *Registry) { r.loadWeighted = on }
}

// WithReclaimHook sets a callback run after dead leases are removed.
func WithReclaimHook(fn func(count int)) Option {
	return func(r *Registry) { r.onReclaim = fn }
}

// New creates a Registry over st. Nothing is written until Register.
func New(st *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:             st,
		logger:            logging.NopLogger(),
		now:               time.Now,
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatTimeout:  defaultHeartbeatTimeout,
		snapshotTTL:       defaultSnapshotTTL,
		lockTTL:           defaultLockTTL,
		totalMaxLLM:       defaultTotalMaxLLM,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewInstanceID returns a fresh inst-<8 hex> identifier.
func NewInstanceID() string {
	return "inst-" + uuid.NewString()[:8]
}

func leaseResource(id string) string {
	return "lease-" + id
}

// Register writes this instance's lease and starts the heartbeat loop. The
// loop runs until Unregister is called or ctx is canceled.
func (r *Registry) Register(ctx context.Context, sessionID, cwd string, ov *Overrides) (InstanceInfo, error) {
	r.mu.Lock()
	if r.self != nil {
		id := r.self.InstanceID
		r.mu.Unlock()
		return InstanceInfo{}, errors.Validation("registry.register", "instance", "already registered as "+id)
	}

	id := NewInstanceID()
	if ov != nil {
		if ov.InstanceID != "" {
			id = ov.InstanceID
		}
		if ov.TotalMaxLLM > 0 {
			r.totalMaxLLM = ov.TotalMaxLLM
		}
		WithHeartbeat(ov.HeartbeatInterval, ov.HeartbeatTimeout)(r)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	now := r.now()
	info := &InstanceInfo{
		InstanceID:    id,
		PID:           os.Getpid(),
		SessionID:     sessionID,
		StartedAt:     now,
		LastHeartbeat: now,
		Cwd:           cwd,
		ActiveModels:  []string{},
		Hostname:      host,
	}
	r.self = info
	r.mu.Unlock()

	if err := r.writeLease(ctx, info); err != nil {
		r.mu.Lock()
		r.self = nil
		r.mu.Unlock()
		return InstanceInfo{}, err
	}
	r.invalidate()
	r.RefreshShare()

	r.logger.Info("instance registered",
		"instance_id", id,
		"session_id", sessionID,
		"heartbeat_interval", r.heartbeatInterval,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stopFunc = cancel
	r.stopped = make(chan struct{})
	stopped := r.stopped
	r.mu.Unlock()

	go r.heartbeatLoop(loopCtx, stopped)

	return *info, nil
}

func (r *Registry) writeLease(ctx context.Context, info *InstanceInfo) error {
	return r.store.WithFileLock(ctx, leaseResource(info.InstanceID), r.lockTTL, func() error {
		return r.store.Put(Namespace, info.InstanceID, info)
	})
}

// OnHeartbeat registers a hook run after every heartbeat tick.
func (r *Registry) OnHeartbeat(fn HeartbeatHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Registry) heartbeatLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat cycle: refresh the lease, reclaim dead
// instances, then run every hook.
func (r *Registry) Tick(ctx context.Context) {
	if err := r.UpdateHeartbeat(ctx); err != nil {
		r.logger.Warn("heartbeat failed", "error", err)
	}
	if _, err := r.CleanupDeadInstances(ctx); err != nil {
		r.logger.Warn("dead instance cleanup failed", "error", err)
	}
	r.RefreshShare()

	r.mu.RLock()
	hooks := make([]HeartbeatHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if ctx.Err() != nil {
			return
		}
		hook(ctx)
	}
}

// UpdateHeartbeat refreshes lastHeartbeat on this instance's lease,
// recreating the lease if a peer reclaimed it.
func (r *Registry) UpdateHeartbeat(ctx context.Context) error {
	r.mu.Lock()
	if r.self == nil {
		r.mu.Unlock()
		return errors.Validation("registry.heartbeat", "instance", "not registered")
	}
	r.self.LastHeartbeat = r.now()
	info := *r.self
	info.ActiveModels = append([]string(nil), r.self.ActiveModels...)
	r.mu.Unlock()

	return r.store.WithFileLock(ctx, leaseResource(info.InstanceID), r.lockTTL, func() error {
		var existing InstanceInfo
		if err := r.store.Get(Namespace, info.InstanceID, &existing); errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("lease was reclaimed by a peer, recreating", "instance_id", info.InstanceID)
		}
		return r.store.Put(Namespace, info.InstanceID, &info)
	})
}

// SetActiveModels updates the advertised provider:model keys. The lease is
// rewritten on the next heartbeat.
func (r *Registry) SetActiveModels(models []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self != nil {
		r.self.ActiveModels = append([]string(nil), models...)
	}
}

// SetLoad updates the advertised pending task count and average latency.
func (r *Registry) SetLoad(pending int, avgLatencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self != nil {
		r.self.PendingTaskCount = max(0, pending)
		r.self.AvgLatencyMs = avgLatencyMs
	}
}

// Unregister stops the heartbeat and removes this instance's lease.
func (r *Registry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	self := r.self
	stop := r.stopFunc
	stopped := r.stopped
	r.stopFunc = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}
	if self == nil {
		return nil
	}

	err := r.store.WithFileLock(ctx, leaseResource(self.InstanceID), r.lockTTL, func() error {
		return r.store.Delete(Namespace, self.InstanceID)
	})

	r.mu.Lock()
	r.self = nil
	r.mu.Unlock()
	r.invalidate()

	if err != nil {
		return err
	}
	r.logger.Info("instance unregistered", "instance_id", self.InstanceID)
	return nil
}

// ID returns this instance's ID, or "" when not registered.
func (r *Registry) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return ""
	}
	return r.self.InstanceID
}

// Self returns a copy of this instance's lease, if registered.
func (r *Registry) Self() (InstanceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return InstanceInfo{}, false
	}
	info := *r.self
	info.ActiveModels = append([]string(nil), r.self.ActiveModels...)
	return info, true
}

// HeartbeatTimeout returns the age after which a lease is dead.
func (r *Registry) HeartbeatTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heartbeatTimeout
}

func (r *Registry) dead(info *InstanceInfo, now time.Time) bool {
	return now.Sub(info.LastHeartbeat) > r.heartbeatTimeout
}

// CleanupDeadInstances deletes every lease whose heartbeat is older than
// the timeout, or which cannot be decoded. This instance's own lease is
// never removed. It returns the number of leases removed.
func (r *Registry) CleanupDeadInstances(ctx context.Context) (int, error) {
	keys, err := r.store.List(Namespace)
	if err != nil {
		return 0, err
	}
	selfID := r.ID()

	removed := 0
	for _, key := range keys {
		if key == selfID {
			continue
		}
		if !r.isReclaimable(key) {
			continue
		}

		err := r.store.WithFileLock(ctx, leaseResource(key), r.lockTTL, func() error {
			// Re-check under the lock: the owner may have just refreshed
			if !r.isReclaimable(key) {
				return nil
			}
			if err := r.store.Delete(Namespace, key); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			r.logger.Debug("skipping dead instance cleanup", "instance_id", key, "error", err)
			continue
		}
	}

	if removed > 0 {
		r.logger.Info("reclaimed dead instances", "count", removed)
		if r.onReclaim != nil {
			r.onReclaim(removed)
		}
	}
	r.invalidate()
	return removed, nil
}

func (r *Registry) isReclaimable(key string) bool {
	var info InstanceInfo
	err := r.store.Get(Namespace, key, &info)
	switch {
	case err == nil:
		return r.dead(&info, r.now())
	case errors.Is(err, store.ErrCorrupt):
		return true
	default:
		return false
	}
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cacheOK = false
	r.mu.Unlock()
}

// GetActiveInstances returns the live instances sorted by ID. Results are
// cached for the snapshot TTL. Corrupt and expired leases are excluded, and
// this instance is always included while registered.
func (r *Registry) GetActiveInstances() ([]InstanceInfo, error) {
	now := r.now()

	r.mu.RLock()
	if r.cacheOK && now.Sub(r.cachedAt) < r.snapshotTTL {
		out := append([]InstanceInfo(nil), r.cache...)
		r.mu.RUnlock()
		return r.withSelf(out), nil
	}
	r.mu.RUnlock()

	keys, err := r.store.List(Namespace)
	if err != nil {
		return nil, err
	}

	active := make([]InstanceInfo, 0, len(keys))
	for _, key := range keys {
		var info InstanceInfo
		if err := r.store.Get(Namespace, key, &info); err != nil {
			continue
		}
		if r.dead(&info, now) {
			continue
		}
		active = append(active, info)
	}

	r.mu.Lock()
	r.cache = append([]InstanceInfo(nil), active...)
	r.cachedAt = now
	r.cacheOK = true
	r.mu.Unlock()

	return r.withSelf(active), nil
}

// withSelf replaces or adds this instance's in-memory lease, which carries
// load figures newer than the persisted copy.
func (r *Registry) withSelf(list []InstanceInfo) []InstanceInfo {
	self, ok := r.Self()
	if !ok {
		return list
	}
	found := false
	for i := range list {
		if list[i].InstanceID == self.InstanceID {
			list[i] = self
			found = true
		}
	}
	if !found {
		list = append(list, self)
		sort.Slice(list, func(i, j int) bool { return list[i].InstanceID < list[j].InstanceID })
	}
	return list
}

// GetActiveInstanceCount returns the number of live instances, at least 1.
func (r *Registry) GetActiveInstanceCount() int {
	active, err := r.GetActiveInstances()
	if err != nil {
		r.logger.Debug("active instance read failed, assuming single instance", "error", err)
		return 1
	}
	return max(1, len(active))
}

// TotalMaxLLM returns the fleet budget: the override if set, otherwise the
// configured budget capped by the adaptive total limit.
func (r *Registry) TotalMaxLLM() int {
	r.mu.RLock()
	override, total, src := r.totalOverride, r.totalMaxLLM, r.totalSource
	r.mu.RUnlock()

	if override > 0 {
		return override
	}
	if src != nil {
		if learned := src.GetLimit(); learned > 0 && learned < total {
			return learned
		}
	}
	return total
}

// GetMyParallelLimit returns this instance's equal share of the fleet
// budget, at least 1.
func (r *Registry) GetMyParallelLimit() int {
	return max(1, r.TotalMaxLLM()/r.GetActiveInstanceCount())
}

// GetDynamicParallelLimit returns this instance's load-weighted share of the
// fleet budget given its current pending task count. Shares across all
// instances sum to exactly the budget.
func (r *Registry) GetDynamicParallelLimit(myPending int) int {
	r.mu.Lock()
	if r.self != nil {
		r.self.PendingTaskCount = max(0, myPending)
	}
	r.mu.Unlock()

	active, err := r.GetActiveInstances()
	if err != nil || len(active) <= 1 {
		return max(1, r.TotalMaxLLM())
	}

	pending := make(map[string]int, len(active))
	for _, info := range active {
		pending[info.InstanceID] = info.PendingTaskCount
	}
	shares := ApportionByLoad(r.TotalMaxLLM(), pending)

	id := r.ID()
	if id == "" {
		return max(1, r.TotalMaxLLM()/len(active))
	}
	return shares[id]
}

type fleetShare struct {
	limit, instances, total int
}

// RefreshShare recomputes this instance's share of the fleet budget from
// the leases and the total limit source. Tick and Register call it.
func (r *Registry) RefreshShare() {
	total := r.TotalMaxLLM()
	instances := r.GetActiveInstanceCount()
	limit := max(1, total/instances)
	if r.loadWeighted {
		r.mu.RLock()
		pending := 0
		if r.self != nil {
			pending = r.self.PendingTaskCount
		}
		r.mu.RUnlock()
		limit = max(1, r.GetDynamicParallelLimit(pending))
	}

	r.mu.Lock()
	r.share = &fleetShare{limit: limit, instances: instances, total: total}
	r.mu.Unlock()
}

// Share returns the share computed by the last RefreshShare without
// touching the store. Before any refresh it assumes a single instance with
// the configured budget.
func (r *Registry) Share() (limit, instances, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.share != nil {
		return r.share.limit, r.share.instances, r.share.total
	}
	total = r.totalMaxLLM
	if r.totalOverride > 0 {
		total = r.totalOverride
	}
	return max(1, total), 1, total
}

// ApportionByLoad splits total between instances with weight
// 1/(1+pending). Shares are floored, then the remainder is handed out by
// largest fractional part (ties by instance ID), so the shares sum to
// exactly total. When total >= len(pending), every instance receives at
// least 1, taken from the largest share.
func ApportionByLoad(total int, pending map[string]int) map[string]int {
	shares := make(map[string]int, len(pending))
	if len(pending) == 0 {
		return shares
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
		shares[id] = 0
	}
	sort.Strings(ids)
	if total <= 0 {
		return shares
	}

	weights := make(map[string]float64, len(ids))
	var sum float64
	for _, id := range ids {
		w := 1 / (1 + float64(max(0, pending[id])))
		weights[id] = w
		sum += w
	}

	frac := make(map[string]float64, len(ids))
	assigned := 0
	for _, id := range ids {
		raw := float64(total) * weights[id] / sum
		fl := int(math.Floor(raw))
		shares[id] = fl
		frac[id] = raw - float64(fl)
		assigned += fl
	}

	// Float rounding can overshoot by one; take it back from the largest.
	for assigned > total {
		shares[largestShare(ids, shares)]--
		assigned--
	}

	byFrac := append([]string(nil), ids...)
	sort.SliceStable(byFrac, func(i, j int) bool {
		return frac[byFrac[i]] > frac[byFrac[j]]
	})
	for i := 0; assigned < total; i = (i + 1) % len(byFrac) {
		shares[byFrac[i]]++
		assigned++
	}

	if total >= len(ids) {
		for _, id := range ids {
			if shares[id] == 0 {
				shares[largestShare(ids, shares)]--
				shares[id] = 1
			}
		}
	}

	return shares
}

// largestShare returns the ID holding the largest share, lowest ID on ties.
func largestShare(ids []string, shares map[string]int) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if shares[id] > shares[best] {
			best = id
		}
	}
	return best
}

// String implements fmt.Stringer for log output.
func (i InstanceInfo) String() string {
	return fmt.Sprintf("%s(pid=%d, pending=%d)", i.InstanceID, i.PID, i.PendingTaskCount)
}

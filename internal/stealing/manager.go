// Package stealing lets an idle instance take queued work from a busier
// peer.
//
// Every instance broadcasts its queue in the "queue-state" namespace of the
// shared store: how many tasks are pending and which of them carry a
// payload a peer could run. An idle instance picks the busiest fresh peer
// and, holding that peer's queue lock, moves one entry from the peer's
// advertised list into its stolen list. Lock acquisition never blocks; a
// contended peer simply yields no work this round.
//
// The owner sees stolen IDs on its next broadcast and resolves those tasks
// locally. Before running an advertised entry itself it reclaims the entry
// under the same lock, so each entry runs on exactly one instance. A thief
// that cannot run what it took hands the entry back with ReturnEntry; the
// owner then re-advertises it, or runs it itself if the original task was
// already resolved as stolen.
package stealing

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/registry"
	"github.com/Iron-Ham/pacer/internal/store"
)

// Namespace is the store namespace holding queue broadcasts.
const Namespace = "queue-state"

const (
	defaultQueueStateTTL = 30 * time.Second
	defaultLockTTL       = 5 * time.Second
	defaultPollInterval  = 2 * time.Second
	defaultMaxEntries    = 16
	latencyWeight        = 0.2
)

var priorityRank = map[string]int{
	"critical":   4,
	"high":       3,
	"normal":     2,
	"low":        1,
	"background": 0,
}

// StealableEntry is a queued task a peer may run.
type StealableEntry struct {
	ID                  string          `json:"id"`
	Source              string          `json:"source,omitempty"`
	Provider            string          `json:"provider"`
	Model               string          `json:"model"`
	Priority            string          `json:"priority"`
	EstimatedTokens     int             `json:"estimated_tokens,omitempty"`
	EstimatedDurationMs int64           `json:"estimated_duration_ms,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	EnqueuedAt          time.Time       `json:"enqueued_at"`
}

// QueueState is one instance's queue broadcast.
type QueueState struct {
	InstanceID           string           `json:"instance_id"`
	PendingTaskCount     int              `json:"pending_task_count"`
	ActiveOrchestrations int              `json:"active_orchestrations"`
	StealableEntries     []StealableEntry `json:"stealable_entries"`
	// StolenIDs are entries peers took that the owner has not yet dropped
	// from its queue. StolenBy maps each to the thief.
	StolenIDs []string          `json:"stolen_ids,omitempty"`
	StolenBy  map[string]string `json:"stolen_by,omitempty"`
	// Returned are stolen entries a thief handed back.
	Returned     []StealableEntry `json:"returned,omitempty"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (q *QueueState) stolen(id string) bool {
	return slices.Contains(q.StolenIDs, id)
}

// Snapshot is the local queue summary passed to BroadcastQueueState.
type Snapshot struct {
	PendingTaskCount     int
	ActiveOrchestrations int
	StealableEntries     []StealableEntry
	AvgLatencyMs         float64
}

// State is the steal state machine position.
type State string

// Steal states.
const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateStealing State = "stealing"
)

// Stats summarises steal attempts.
type Stats struct {
	TotalAttempts    int     `json:"total_attempts"`
	SuccessfulSteals int     `json:"successful_steals"`
	FailedAttempts   int     `json:"failed_attempts"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// InstanceLister reports the live instances.
type InstanceLister interface {
	GetActiveInstances() ([]registry.InstanceInfo, error)
}

// StolenFunc is told about each local entry a peer took.
type StolenFunc func(entryID, thief string)

// ReturnedFunc is given each entry a thief handed back after the local task
// was already resolved as stolen. The owner must run it.
type ReturnedFunc func(entry StealableEntry)

// Manager broadcasts this instance's queue and steals from peers.
type Manager struct {
	store      *store.Store
	instanceID string
	peers      InstanceLister
	logger     *logging.Logger
	now        func() time.Time

	stateTTL     time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	maxEntries   int
	onStolen     StolenFunc
	onReturned   ReturnedFunc

	mu          sync.Mutex
	state       State
	stats       Stats
	lastPending int
	reported    map[string]bool
	// reclaimed holds entries this instance claimed for local execution.
	// A broadcast built from an older snapshot must not advertise them.
	reclaimed map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithQueueStateTTL sets the age after which a broadcast is ignored.
func WithQueueStateTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stateTTL = d
		}
	}
}

// WithLockTTL sets the TTL of queue locks.
func WithLockTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTTL = d
		}
	}
}

// WithPollInterval sets the Watch fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithMaxEntries caps how many stealable entries one broadcast carries.
func WithMaxEntries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithOnStolen sets the callback for entries peers took.
func WithOnStolen(fn StolenFunc) Option {
	return func(m *Manager) { m.onStolen = fn }
}

// WithOnReturned sets the callback for handed-back entries the owner must
// run itself.
func WithOnReturned(fn ReturnedFunc) Option {
	return func(m *Manager) { m.onReturned = fn }
}

// New creates a Manager for instanceID.
func New(st *store.Store, instanceID string, peers InstanceLister, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		instanceID:   instanceID,
		peers:        peers,
		logger:       logging.NopLogger(),
		now:          time.Now,
		stateTTL:     defaultQueueStateTTL,
		lockTTL:      defaultLockTTL,
		pollInterval: defaultPollInterval,
		maxEntries:   defaultMaxEntries,
		state:        StateIdle,
		reported:     make(map[string]bool),
		reclaimed:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func resource(instanceID string) string {
	return "queue-state-" + instanceID
}

// read loads an instance's broadcast. A missing or corrupt record reads as
// empty.
func (m *Manager) read(instanceID string) (QueueState, bool) {
	var qs QueueState
	if err := m.store.Get(Namespace, instanceID, &qs); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("ignoring unreadable queue state", "instance_id", instanceID, "error", err)
		}
		return QueueState{InstanceID: instanceID}, false
	}
	return qs, true
}

// BroadcastQueueState publishes snap as this instance's queue. Stolen IDs
// written by peers are preserved while the local queue still lists them,
// and each is reported once to the OnStolen callback. Entries reclaimed
// since snap was taken are left out. Handed-back entries the local queue
// no longer holds go to the OnReturned callback.
func (m *Manager) BroadcastQueueState(ctx context.Context, snap Snapshot) error {
	var newlyStolen []string
	var thieves map[string]string
	var adopt []StealableEntry

	err := m.store.WithFileLock(ctx, resource(m.instanceID), m.lockTTL, func() error {
		prev, _ := m.read(m.instanceID)

		queued := make(map[string]bool, len(snap.StealableEntries))
		for _, e := range snap.StealableEntries {
			queued[e.ID] = true
		}

		m.mu.Lock()
		for id := range m.reclaimed {
			if !queued[id] {
				delete(m.reclaimed, id)
			}
		}
		reclaimed := maps.Clone(m.reclaimed)
		m.mu.Unlock()

		for _, e := range prev.Returned {
			if !queued[e.ID] {
				adopt = append(adopt, e)
			}
		}

		next := QueueState{
			InstanceID:           m.instanceID,
			PendingTaskCount:     snap.PendingTaskCount,
			ActiveOrchestrations: snap.ActiveOrchestrations,
			StealableEntries:     []StealableEntry{},
			AvgLatencyMs:         snap.AvgLatencyMs,
			UpdatedAt:            m.now(),
		}
		for _, id := range prev.StolenIDs {
			newlyStolen = append(newlyStolen, id)
			if queued[id] {
				next.StolenIDs = append(next.StolenIDs, id)
				if by := prev.StolenBy[id]; by != "" {
					if next.StolenBy == nil {
						next.StolenBy = make(map[string]string)
					}
					next.StolenBy[id] = by
				}
			}
		}
		thieves = prev.StolenBy

		for _, e := range snap.StealableEntries {
			if prev.stolen(e.ID) || reclaimed[e.ID] {
				continue
			}
			if len(next.StealableEntries) >= m.maxEntries {
				break
			}
			next.StealableEntries = append(next.StealableEntries, e)
		}
		return m.store.Put(Namespace, m.instanceID, next)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastPending = snap.PendingTaskCount
	var report []string
	for _, id := range newlyStolen {
		if !m.reported[id] {
			m.reported[id] = true
			report = append(report, id)
		}
	}
	// Forget IDs that have left both the record and the queue.
	live := make(map[string]bool, len(newlyStolen))
	for _, id := range newlyStolen {
		live[id] = true
	}
	for id := range m.reported {
		if !live[id] {
			delete(m.reported, id)
		}
	}
	m.mu.Unlock()

	for _, id := range report {
		m.logger.Info("queued entry stolen by peer", "entry_id", id, "thief", thieves[id])
		if m.onStolen != nil {
			m.onStolen(id, thieves[id])
		}
	}
	for _, e := range adopt {
		m.logger.Info("running entry handed back by peer", "entry_id", e.ID)
		if m.onReturned != nil {
			m.onReturned(e)
		} else {
			m.logger.Warn("returned entry dropped, no handler", "entry_id", e.ID)
		}
	}
	return nil
}

// ReclaimEntry removes id from this instance's advertised entries before it
// runs locally. It returns false, with the thief's ID, if a peer already
// took the entry. Once claimed, id is never advertised again.
func (m *Manager) ReclaimEntry(ctx context.Context, id string) (bool, string, error) {
	claimed, thief := true, ""
	err := m.store.WithFileLock(ctx, resource(m.instanceID), m.lockTTL, func() error {
		qs, ok := m.read(m.instanceID)
		if ok && qs.stolen(id) {
			claimed, thief = false, qs.StolenBy[id]
			return nil
		}
		m.mu.Lock()
		m.reclaimed[id] = true
		m.mu.Unlock()
		if !ok {
			return nil
		}
		idx := slices.IndexFunc(qs.StealableEntries, func(e StealableEntry) bool { return e.ID == id })
		if idx < 0 {
			return nil
		}
		qs.StealableEntries = slices.Delete(qs.StealableEntries, idx, idx+1)
		qs.PendingTaskCount = max(0, qs.PendingTaskCount-1)
		return m.store.Put(Namespace, m.instanceID, qs)
	})
	if err != nil {
		return false, "", err
	}
	return claimed, thief, nil
}

// ReturnEntry hands a stolen entry back to owner. It reports false when
// owner's record is gone or no longer lists the entry as taken by this
// instance; the entry is then this instance's to run or lose.
func (m *Manager) ReturnEntry(ctx context.Context, owner string, entry StealableEntry) (bool, error) {
	returned := false
	err := m.store.WithFileLock(ctx, resource(owner), m.lockTTL, func() error {
		qs, ok := m.read(owner)
		if !ok || !qs.stolen(entry.ID) || qs.StolenBy[entry.ID] != m.instanceID {
			return nil
		}
		qs.StolenIDs = slices.DeleteFunc(qs.StolenIDs, func(id string) bool { return id == entry.ID })
		delete(qs.StolenBy, entry.ID)
		qs.Returned = append(qs.Returned, entry)
		if err := m.store.Put(Namespace, owner, qs); err != nil {
			return err
		}
		returned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if returned {
		m.logger.Info("handed stolen entry back", "entry_id", entry.ID, "owner", owner)
	}
	return returned, nil
}

// ShouldAttemptWorkStealing reports whether this instance had no pending
// work at its last broadcast.
func (m *Manager) ShouldAttemptWorkStealing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPending == 0 && m.state == StateIdle
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current steal state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns steal statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// GetRemoteQueueStates returns every peer broadcast that is fresh and whose
// instance is live, sorted by instance ID.
func (m *Manager) GetRemoteQueueStates() ([]QueueState, error) {
	live := make(map[string]bool)
	if m.peers != nil {
		instances, err := m.peers.GetActiveInstances()
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			live[inst.InstanceID] = true
		}
	}

	keys, err := m.store.List(Namespace)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []QueueState
	for _, key := range keys {
		if key == m.instanceID || (m.peers != nil && !live[key]) {
			continue
		}
		qs, ok := m.read(key)
		if !ok || now.Sub(qs.UpdatedAt) > m.stateTTL {
			continue
		}
		out = append(out, qs)
	}
	return out, nil
}

// FindStealCandidate returns the busiest peer with at least one stealable
// entry, or nil. Ties go to the higher average latency, then the lower
// instance ID.
func (m *Manager) FindStealCandidate() (*QueueState, error) {
	m.setState(StateScanning)
	states, err := m.GetRemoteQueueStates()
	if err != nil {
		m.setState(StateIdle)
		return nil, err
	}

	var best *QueueState
	for i := range states {
		qs := &states[i]
		if len(qs.StealableEntries) == 0 {
			continue
		}
		if best == nil || busier(qs, best) {
			best = qs
		}
	}
	if best == nil {
		m.setState(StateIdle)
	}
	return best, nil
}

func busier(a, b *QueueState) bool {
	if a.PendingTaskCount != b.PendingTaskCount {
		return a.PendingTaskCount > b.PendingTaskCount
	}
	if a.AvgLatencyMs != b.AvgLatencyMs {
		return a.AvgLatencyMs > b.AvgLatencyMs
	}
	return a.InstanceID < b.InstanceID
}

// pickEntry returns the index of the highest-priority, then oldest, entry.
func pickEntry(entries []StealableEntry) int {
	best := 0
	for i := 1; i < len(entries); i++ {
		a, b := entries[i], entries[best]
		ra, rb := priorityRank[strings.ToLower(a.Priority)], priorityRank[strings.ToLower(b.Priority)]
		switch {
		case ra != rb:
			if ra > rb {
				best = i
			}
		case !a.EnqueuedAt.Equal(b.EnqueuedAt):
			if a.EnqueuedAt.Before(b.EnqueuedAt) {
				best = i
			}
		case a.ID < b.ID:
			best = i
		}
	}
	return best
}

// SafeStealWork takes one entry from the busiest peer. It never waits for a
// lock: when the peer's queue is contended, or the entry vanished, it
// returns a nil entry and no error.
func (m *Manager) SafeStealWork(ctx context.Context) (*StealableEntry, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	cand, err := m.FindStealCandidate()
	if err != nil || cand == nil {
		return nil, "", err
	}

	start := time.Now()
	victim := cand.InstanceID
	defer m.setState(StateIdle)

	lock, ok, err := m.store.TryAcquireLock(resource(victim), m.lockTTL)
	if err != nil || !ok {
		m.recordAttempt(false, time.Since(start))
		m.logger.Debug("steal skipped, peer queue busy", "peer", victim, "error", err)
		return nil, "", nil
	}
	defer func() {
		if err := m.store.ReleaseLock(lock); err != nil {
			m.logger.Warn("failed to release peer queue lock", "peer", victim, "error", err)
		}
	}()
	m.setState(StateStealing)

	qs, found := m.read(victim)
	if !found || m.now().Sub(qs.UpdatedAt) > m.stateTTL || len(qs.StealableEntries) == 0 {
		m.recordAttempt(false, time.Since(start))
		return nil, "", nil
	}

	idx := pickEntry(qs.StealableEntries)
	entry := qs.StealableEntries[idx]
	qs.StealableEntries = slices.Delete(qs.StealableEntries, idx, idx+1)
	qs.StolenIDs = append(qs.StolenIDs, entry.ID)
	if qs.StolenBy == nil {
		qs.StolenBy = make(map[string]string)
	}
	qs.StolenBy[entry.ID] = m.instanceID
	qs.PendingTaskCount = max(0, qs.PendingTaskCount-1)
	if err := m.store.Put(Namespace, victim, qs); err != nil {
		m.recordAttempt(false, time.Since(start))
		return nil, "", err
	}

	m.recordAttempt(true, time.Since(start))
	m.logger.Info("stole queued entry",
		"entry_id", entry.ID,
		"from", victim,
		"provider", entry.Provider,
		"model", entry.Model,
		"priority", entry.Priority,
	)
	return &entry, victim, nil
}

func (m *Manager) recordAttempt(success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalAttempts++
	if !success {
		m.stats.FailedAttempts++
		return
	}
	m.stats.SuccessfulSteals++
	ms := float64(latency.Microseconds()) / 1000
	if m.stats.SuccessfulSteals == 1 {
		m.stats.AvgLatencyMs = ms
	} else {
		m.stats.AvgLatencyMs = latencyWeight*ms + (1-latencyWeight)*m.stats.AvgLatencyMs
	}
}

// CleanupQueueStates removes broadcasts that are stale or unreadable and
// whose instance is no longer live, plus abandoned temp files. Its own
// record is never removed.
func (m *Manager) CleanupQueueStates(ctx context.Context) (int, error) {
	live := make(map[string]bool)
	if m.peers != nil {
		instances, err := m.peers.GetActiveInstances()
		if err != nil {
			return 0, err
		}
		for _, inst := range instances {
			live[inst.InstanceID] = true
		}
	}

	keys, err := m.store.List(Namespace)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if key == m.instanceID || live[key] || !m.expired(key) {
			continue
		}
		err := m.store.WithFileLock(ctx, resource(key), m.lockTTL, func() error {
			if !m.expired(key) {
				return nil
			}
			if err := m.store.Delete(Namespace, key); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			m.logger.Debug("skipping queue state cleanup", "instance_id", key, "error", err)
		}
	}
	if _, err := m.store.CleanupTempFiles(Namespace, m.stateTTL); err != nil {
		m.logger.Debug("queue state temp cleanup failed", "error", err)
	}
	if removed > 0 {
		m.logger.Info("removed stale queue states", "count", removed)
	}
	return removed, nil
}

func (m *Manager) expired(key string) bool {
	var qs QueueState
	err := m.store.Get(Namespace, key, &qs)
	switch {
	case err == nil:
		return m.now().Sub(qs.UpdatedAt) > m.stateTTL
	case errors.Is(err, store.ErrCorrupt):
		return true
	default:
		return false
	}
}

// CleanupExpiredLocks removes expired lock files and returns how many.
func (m *Manager) CleanupExpiredLocks() (int, error) {
	return m.store.CleanupExpiredLocks()
}

// Withdraw deletes this instance's broadcast, first reporting any entries
// peers stole that have not been reported yet.
func (m *Manager) Withdraw(ctx context.Context) error {
	var pending []string
	var thieves map[string]string
	err := m.store.WithFileLock(ctx, resource(m.instanceID), m.lockTTL, func() error {
		qs, _ := m.read(m.instanceID)
		pending, thieves = qs.StolenIDs, qs.StolenBy
		for _, e := range qs.Returned {
			m.logger.Warn("dropping entry handed back during shutdown", "entry_id", e.ID)
		}
		return m.store.Delete(Namespace, m.instanceID)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	var report []string
	for _, id := range pending {
		if !m.reported[id] {
			m.reported[id] = true
			report = append(report, id)
		}
	}
	m.mu.Unlock()
	if m.onStolen != nil {
		for _, id := range report {
			m.onStolen(id, thieves[id])
		}
	}
	return nil
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/limits"
)

// Priority orders tasks. Higher values dispatch first.
type Priority int

// Priorities, lowest first.
const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"background", "low", "normal", "high", "critical"}

// String returns the lowercase priority name.
func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, errors.Validation("scheduler.parse_priority", "priority", fmt.Sprintf("unknown priority %q", s))
}

// CostEstimate is the caller's estimate of a task's cost.
type CostEstimate struct {
	EstimatedTokens   int
	EstimatedDuration time.Duration
}

// ExecuteFunc runs a task. It must return promptly once ctx is done.
type ExecuteFunc func(ctx context.Context) (any, error)

// SnapshotFunc reports a running task's resumable state and progress in
// [0,1]. Tasks without one cannot be preempted automatically.
type SnapshotFunc func() (state json.RawMessage, progress float64)

// ScheduledTask is a unit of work submitted to the scheduler. It is not
// modified after submission.
type ScheduledTask struct {
	ID            string
	Source        string
	Provider      string
	Model         string
	Tier          string
	OperationType limits.OperationType
	Priority      Priority
	Cost          CostEstimate
	Execute       ExecuteFunc
	// Deadline bounds both queue wait and execution. Zero means none.
	Deadline time.Time
	Snapshot SnapshotFunc
	// Payload, when set, advertises the task to idle peers. A peer that
	// steals it runs its own executor on the payload.
	Payload json.RawMessage
}

// Key returns the provider:model queue key.
func (t *ScheduledTask) Key() string {
	return t.Provider + ":" + t.Model
}

func (t *ScheduledTask) validate() error {
	const op = "scheduler.submit"
	switch {
	case t.Provider == "":
		return errors.Validation(op, "provider", "required")
	case t.Model == "":
		return errors.Validation(op, "model", "required")
	case t.Execute == nil:
		return errors.Validation(op, "execute", "required")
	case !t.Priority.Valid():
		return errors.Validation(op, "priority", t.Priority.String()+" is not a priority")
	case t.Cost.EstimatedTokens < 0 || t.Cost.EstimatedDuration < 0:
		return errors.Validation(op, "cost", "must be non-negative")
	case len(t.Payload) > 0 && !json.Valid(t.Payload):
		return errors.Validation(op, "payload", "must be valid JSON")
	}
	return nil
}

// TaskResult is the outcome of a submitted task. Exactly one of Success,
// TimedOut, Aborted, or a failed execution (Err set with none of the flags)
// describes it.
type TaskResult struct {
	TaskID    string
	Success   bool
	Result    any
	Err       error
	Waited    time.Duration
	Executed  time.Duration
	TimedOut  bool
	Aborted   bool
	Preempted bool
	// CheckpointID is set for preempted tasks whose state was saved.
	CheckpointID string
	// StolenBy names the peer instance that ran the task.
	StolenBy string
}

// Handle tracks a submitted task.
type Handle struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result TaskResult
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the task ID.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task resolves or ctx ends. A ctx that ends first
// does not cancel the task; the returned result is marked Aborted with the
// ctx error.
func (h *Handle) Wait(ctx context.Context) TaskResult {
	select {
	case <-h.done:
		return h.result
	case <-ctx.Done():
		return TaskResult{TaskID: h.id, Aborted: true, Err: ctx.Err()}
	}
}

// resolve stores r and reports whether this call resolved the handle.
func (h *Handle) resolve(r TaskResult) bool {
	resolved := false
	h.once.Do(func() {
		r.TaskID = h.id
		h.result = r
		close(h.done)
		resolved = true
	})
	return resolved
}

func (h *Handle) resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// entry is a queued or running task.
type entry struct {
	task   ScheduledTask
	handle *Handle
	ctx    context.Context
	seq    uint64

	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
	skipCount   int
	effective   Priority

	// stopWatch detaches the submit-context watcher once dispatched.
	stopWatch func() bool
	cancel    context.CancelCauseFunc

	preempting   bool
	preempted    bool
	noCheckpoint bool
	checkpointID string
}

func (e *entry) key() string {
	return e.task.Key()
}

// StealableTask is a queued task advertised to peers.
type StealableTask struct {
	ID                string
	Source            string
	Provider          string
	Model             string
	Priority          Priority
	EstimatedTokens   int
	EstimatedDuration time.Duration
	Payload           json.RawMessage
	EnqueuedAt        time.Time
}

// Stats are cumulative scheduler counters. Completed + Failed + TimedOut +
// Aborted + Queued + Running equals Submitted at every instant.
type Stats struct {
	Submitted  int
	Completed  int
	Failed     int
	TimedOut   int
	Aborted    int
	Preempted  int
	Stolen     int
	Promotions int
	Queued     int
	// Running counts unresolved running tasks. Slots also counts timed-out
	// tasks whose Execute has not yet returned.
	Running       int
	Slots         int
	DroppedEvents int
	AvgLatencyMs  float64
}

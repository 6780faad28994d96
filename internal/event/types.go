package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "task.completed".
	EventType() string
	Timestamp() time.Time
}

// Event types.
const (
	TypeTaskCompleted      = "task.completed"
	TypeTaskFailed         = "task.failed"
	TypeTaskPreempted      = "task.preempted"
	TypeSlotFreed          = "slot.freed"
	TypeLimitChanged       = "limit.changed"
	TypeInstanceRegistered = "instance.registered"
	TypeInstanceReclaimed  = "instance.reclaimed"
	TypeWorkStolen         = "work.stolen"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskCompletedEvent is emitted when a task finishes successfully.
type TaskCompletedEvent struct {
	baseEvent
	TaskID   string
	Key      string // provider:model
	Priority string
	Waited   time.Duration
	Executed time.Duration
	StolenBy string // set when a peer ran the task
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID, key, priority string, waited, executed time.Duration) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		TaskID:    taskID,
		Key:       key,
		Priority:  priority,
		Waited:    waited,
		Executed:  executed,
	}
}

// TaskFailedEvent is emitted when a task errors, times out or is aborted.
type TaskFailedEvent struct {
	baseEvent
	TaskID    string
	Key       string
	Priority  string
	Error     string
	ErrorKind string
	TimedOut  bool
	Aborted   bool
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, key, priority, errMsg, kind string, timedOut, aborted bool) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TypeTaskFailed),
		TaskID:    taskID,
		Key:       key,
		Priority:  priority,
		Error:     errMsg,
		ErrorKind: kind,
		TimedOut:  timedOut,
		Aborted:   aborted,
	}
}

// TaskPreemptedEvent is emitted when a running task is preempted.
type TaskPreemptedEvent struct {
	baseEvent
	TaskID       string
	Key          string
	Reason       string
	CheckpointID string
}

// NewTaskPreemptedEvent creates a TaskPreemptedEvent.
func NewTaskPreemptedEvent(taskID, key, reason, checkpointID string) TaskPreemptedEvent {
	return TaskPreemptedEvent{
		baseEvent:    newBaseEvent(TypeTaskPreempted),
		TaskID:       taskID,
		Key:          key,
		Reason:       reason,
		CheckpointID: checkpointID,
	}
}

// SlotFreedEvent is emitted when an execution slot is released.
type SlotFreedEvent struct {
	baseEvent
	Key          string
	RunningKey   int
	RunningTotal int
}

// NewSlotFreedEvent creates a SlotFreedEvent.
func NewSlotFreedEvent(key string, runningKey, runningTotal int) SlotFreedEvent {
	return SlotFreedEvent{
		baseEvent:    newBaseEvent(TypeSlotFreed),
		Key:          key,
		RunningKey:   runningKey,
		RunningTotal: runningTotal,
	}
}

// -----------------------------------------------------------------------------
// Limit Events
// -----------------------------------------------------------------------------

// Limit scopes.
const (
	ScopeRate        = "rate"
	ScopeTotal       = "total"
	ScopeParallelism = "parallelism"
)

// LimitChangedEvent is emitted when an adaptive limit moves.
type LimitChangedEvent struct {
	baseEvent
	Scope    string
	Key      string // empty for the global total limit
	Previous int
	Limit    int
	Reason   string
}

// NewLimitChangedEvent creates a LimitChangedEvent.
func NewLimitChangedEvent(scope, key string, previous, limit int, reason string) LimitChangedEvent {
	return LimitChangedEvent{
		baseEvent: newBaseEvent(TypeLimitChanged),
		Scope:     scope,
		Key:       key,
		Previous:  previous,
		Limit:     limit,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Coordination Events
// -----------------------------------------------------------------------------

// InstanceRegisteredEvent is emitted when this process registers.
type InstanceRegisteredEvent struct {
	baseEvent
	InstanceID string
	SessionID  string
}

// NewInstanceRegisteredEvent creates an InstanceRegisteredEvent.
func NewInstanceRegisteredEvent(instanceID, sessionID string) InstanceRegisteredEvent {
	return InstanceRegisteredEvent{
		baseEvent:  newBaseEvent(TypeInstanceRegistered),
		InstanceID: instanceID,
		SessionID:  sessionID,
	}
}

// InstanceReclaimedEvent is emitted when dead peers' leases are removed.
type InstanceReclaimedEvent struct {
	baseEvent
	Count int
}

// NewInstanceReclaimedEvent creates an InstanceReclaimedEvent.
func NewInstanceReclaimedEvent(count int) InstanceReclaimedEvent {
	return InstanceReclaimedEvent{
		baseEvent: newBaseEvent(TypeInstanceReclaimed),
		Count:     count,
	}
}

// WorkStolenEvent is emitted when this instance takes an entry from a peer.
type WorkStolenEvent struct {
	baseEvent
	EntryID string
	From    string
	To      string
}

// NewWorkStolenEvent creates a WorkStolenEvent.
func NewWorkStolenEvent(entryID, from, to string) WorkStolenEvent {
	return WorkStolenEvent{
		baseEvent: newBaseEvent(TypeWorkStolen),
		EntryID:   entryID,
		From:      from,
		To:        to,
	}
}

package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/pacer/internal/checkpoint"
	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/event"
)

// PreemptResult reports a preemption attempt.
type PreemptResult struct {
	Preempted    bool
	CheckpointID string
}

// ResumeFunc continues a task from checkpointed state.
type ResumeFunc func(ctx context.Context, state json.RawMessage, progress float64) (any, error)

type checkpointDeleter interface {
	DeleteCheckpoint(id string) error
}

// PreemptTask checkpoints a running task and cancels its execution context.
// When state is nil the task's Snapshot supplies it; progress overrides the
// snapshot's progress when set. Preemption is cooperative: a task that
// yields no state is left running and an error is returned.
func (s *Scheduler) PreemptTask(taskID, reason string, state json.RawMessage, progress *float64) (PreemptResult, error) {
	const op = "scheduler.preempt"

	s.mu.Lock()
	e, ok := s.byID[taskID]
	if !ok || s.running[e.key()][taskID] != e {
		s.mu.Unlock()
		return PreemptResult{}, errors.New(errors.KindValidation, op, "task "+taskID+" is not running", errors.ErrNotFound)
	}
	if e.preempted {
		s.mu.Unlock()
		return PreemptResult{Preempted: true, CheckpointID: e.checkpointID}, nil
	}
	e.preempting = true
	snapshot := e.task.Snapshot
	s.mu.Unlock()

	fail := func(noCheckpoint bool, err error) (PreemptResult, error) {
		s.mu.Lock()
		e.preempting = false
		e.noCheckpoint = e.noCheckpoint || noCheckpoint
		s.mu.Unlock()
		return PreemptResult{}, err
	}

	var prog float64
	if state == nil && snapshot != nil {
		if r := panics.Try(func() { state, prog = snapshot() }); r != nil {
			return fail(true, errors.New(errors.KindUnknown, op, "snapshot panicked", r.AsError()))
		}
	}
	if progress != nil {
		prog = *progress
	}
	if state == nil {
		return fail(true, errors.New(errors.KindValidation, op, "task cannot produce a checkpoint", errors.ErrInvalidInput))
	}
	if s.checkpoints == nil {
		return fail(false, errors.New(errors.KindValidation, op, "no checkpoint manager configured", errors.ErrInvalidInput))
	}

	cp, err := s.checkpoints.CreateCheckpoint(checkpoint.Checkpoint{
		TaskID:   taskID,
		Source:   e.task.Source,
		Provider: e.task.Provider,
		Model:    e.task.Model,
		Priority: e.task.Priority.String(),
		State:    state,
		Progress: prog,
		Reason:   reason,
	})
	if err != nil {
		return fail(false, errors.New(errors.KindOf(err), op, "save checkpoint", err))
	}

	s.mu.Lock()
	running := s.running[e.key()][taskID] == e && !e.handle.resolved()
	if running {
		e.preempted = true
		e.checkpointID = cp.ID
	}
	e.preempting = false
	s.mu.Unlock()

	if !running {
		s.dropCheckpoint(cp.ID)
		return PreemptResult{}, errors.New(errors.KindValidation, op, "task finished before preemption", errors.ErrNotFound)
	}

	s.logger.Info("task preempted",
		"task_id", taskID,
		"key", e.key(),
		"reason", reason,
		"checkpoint_id", cp.ID,
		"progress", prog,
	)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskPreemptedEvent(taskID, e.key(), reason, cp.ID))
	}
	e.cancel(errors.ErrPreempted)
	return PreemptResult{Preempted: true, CheckpointID: cp.ID}, nil
}

// ResumeFromCheckpoint submits a new task that continues from a saved
// checkpoint. The task queues like any other submission. The checkpoint is
// deleted once the resumed task succeeds.
func (s *Scheduler) ResumeFromCheckpoint(ctx context.Context, checkpointID string, resume ResumeFunc) (*Handle, error) {
	const op = "scheduler.resume"
	if resume == nil {
		return nil, errors.Validation(op, "resume", "required")
	}
	if s.checkpoints == nil {
		return nil, errors.Validation(op, "checkpoints", "no checkpoint manager configured")
	}

	cp, err := s.checkpoints.GetCheckpoint(checkpointID)
	if err != nil {
		return nil, errors.New(errors.KindOf(err), op, "load checkpoint "+checkpointID, err)
	}
	prio, err := ParsePriority(cp.Priority)
	if err != nil {
		return nil, err
	}

	task := ScheduledTask{
		ID:       cp.TaskID + "-resume-" + uuid.NewString()[:8],
		Source:   cp.Source,
		Provider: cp.Provider,
		Model:    cp.Model,
		Priority: prio,
		Execute: func(ctx context.Context) (any, error) {
			v, err := resume(ctx, cp.State, cp.Progress)
			if err == nil {
				s.dropCheckpoint(cp.ID)
			}
			return v, err
		},
	}
	h, err := s.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	s.logger.Info("resuming from checkpoint",
		"checkpoint_id", cp.ID,
		"task_id", task.ID,
		"progress", cp.Progress,
	)
	return h, nil
}

func (s *Scheduler) dropCheckpoint(id string) {
	d, ok := s.checkpoints.(checkpointDeleter)
	if !ok {
		return
	}
	if err := d.DeleteCheckpoint(id); err != nil {
		s.logger.Warn("failed to delete checkpoint", "checkpoint_id", id, "error", err)
	}
}

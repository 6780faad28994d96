package scheduler

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/pacer/internal/errors"
)

const latencyWeight = 0.2

type outcome struct {
	value any
	err   error
}

// startLocked moves e into the running set and launches it.
func (s *Scheduler) startLocked(e *entry, now time.Time) {
	key := e.key()
	if s.running[key] == nil {
		s.running[key] = make(map[string]*entry)
	}
	s.running[key][e.task.ID] = e
	s.runningTotal++
	e.startedAt = now
	if e.stopWatch != nil {
		e.stopWatch()
	}
	s.publishSnapshotLocked()

	execCtx, cancel := context.WithCancelCause(e.ctx)
	e.cancel = cancel
	root := s.rootCtx
	s.execs.Go(func() { s.execute(root, execCtx, e) })
}

func (s *Scheduler) execute(root, ctx context.Context, e *entry) {
	task := &e.task
	wait := e.startedAt.Sub(e.enqueuedAt)

	stopRoot := context.AfterFunc(root, func() { e.cancel(errors.ErrSchedulerStopped) })
	defer stopRoot()
	defer e.cancel(nil)

	if len(task.Payload) > 0 && s.claim != nil {
		claimed, by, err := s.claim(ctx, task.ID)
		switch {
		case err != nil:
			s.logger.Warn("claim failed, running locally", "task_id", task.ID, "error", err)
		case !claimed:
			s.finish(e, TaskResult{Success: true, StolenBy: by, Waited: wait})
			return
		}
	}

	timeout := s.cfg.DefaultTimeout
	if !task.Deadline.IsZero() {
		if remaining := time.Until(task.Deadline); timeout <= 0 || remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, timeout, errors.ErrTimeout)
		defer cancelTimeout()
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("pacer.task_id", task.ID),
		attribute.String("pacer.key", e.key()),
		attribute.String("pacer.priority", task.Priority.String()),
		attribute.String("pacer.source", task.Source),
		attribute.Int64("pacer.wait_ms", wait.Milliseconds()),
	))
	defer span.End()

	if s.feedback != nil {
		s.feedback.Started(task.Provider, task.Model)
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		if r := panics.Try(func() { out.value, out.err = task.Execute(ctx) }); r != nil {
			out.err = errors.New(errors.KindUnknown, "scheduler.execute", "task panicked", r.AsError())
		}
		done <- out
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errors.ErrTimeout) {
			timedOut = true
			// The caller hears now; the slot stays held until Execute returns.
			s.settle(e, TaskResult{
				TimedOut: true,
				Waited:   wait,
				Executed: time.Since(start),
				Err:      errors.New(errors.KindTimeout, "scheduler.execute", "execution exceeded timeout", errors.ErrTimeout),
			})
		}
		out = <-done
	}

	res := s.classify(ctx, e, out, timedOut, wait, time.Since(start))
	span.SetAttributes(attribute.String("pacer.outcome", outcomeName(res)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.finish(e, res)
}

// classify turns an execution outcome into a result. Preemption wins over
// every other outcome, then a timeout the caller was already told about,
// then success. timedOut reports that the timeout fired before Execute
// returned.
func (s *Scheduler) classify(ctx context.Context, e *entry, out outcome, timedOut bool, wait, executed time.Duration) TaskResult {
	const op = "scheduler.execute"
	res := TaskResult{Result: out.value, Waited: wait, Executed: executed}

	s.mu.Lock()
	preempted, cpID := e.preempted, e.checkpointID
	s.mu.Unlock()

	cause := context.Cause(ctx)
	switch {
	case preempted:
		res.Aborted, res.Preempted, res.CheckpointID = true, true, cpID
		res.Err = errors.New(errors.KindCanceled, op, "preempted", errors.ErrPreempted)
	case timedOut:
		res.TimedOut = true
		res.Err = errors.New(errors.KindTimeout, op, "execution exceeded timeout", errors.Join(errors.ErrTimeout, out.err))
	case out.err == nil:
		res.Success = true
	case ctx.Err() != nil && errors.Is(cause, errors.ErrTimeout):
		res.TimedOut = true
		res.Err = errors.New(errors.KindTimeout, op, "execution exceeded timeout", errors.Join(errors.ErrTimeout, out.err))
	case ctx.Err() != nil && errors.Is(cause, errors.ErrSchedulerStopped):
		res.Aborted = true
		res.Err = errors.New(errors.KindCanceled, op, "scheduler stopped", errors.Join(errors.ErrSchedulerStopped, out.err))
	case ctx.Err() != nil && e.ctx.Err() != nil:
		res.Aborted = true
		res.Err = errors.New(errors.KindCanceled, op, "caller cancelled", errors.Join(errors.ErrCanceled, out.err))
	default:
		res.Err = out.err
	}
	return res
}

// settle resolves e's handle with res and counts it. Later calls for the
// same entry are no-ops that return false.
func (s *Scheduler) settle(e *entry, res TaskResult) bool {
	s.mu.Lock()
	ok := e.handle.resolve(res)
	if ok {
		s.countLocked(res)
	}
	s.mu.Unlock()

	if ok {
		kind := EventTaskFailed
		if res.Success {
			kind = EventTaskCompleted
		}
		s.emit(Event{Kind: kind, TaskID: e.task.ID, Key: e.key(), Priority: e.task.Priority, Result: res})
	}
	return ok
}

func (s *Scheduler) countLocked(res TaskResult) {
	switch {
	case res.Success:
		s.stats.Completed++
		if res.StolenBy != "" {
			s.stats.Stolen++
		}
	case res.TimedOut:
		s.stats.TimedOut++
	case res.Aborted:
		s.stats.Aborted++
		if res.Preempted {
			s.stats.Preempted++
		}
	default:
		s.stats.Failed++
	}
}

// finish releases e's slot, resolves its handle if still pending and
// reports the outcome.
func (s *Scheduler) finish(e *entry, res TaskResult) {
	key := e.key()

	s.mu.Lock()
	if r := s.running[key]; r != nil {
		delete(r, e.task.ID)
		if len(r) == 0 {
			delete(s.running, key)
		}
	}
	s.runningTotal--
	delete(s.byID, e.task.ID)
	e.completedAt = s.now()
	if res.Success && res.StolenBy == "" {
		ms := float64(res.Executed.Milliseconds())
		if s.stats.AvgLatencyMs == 0 {
			s.stats.AvgLatencyMs = ms
		} else {
			s.stats.AvgLatencyMs = latencyWeight*ms + (1-latencyWeight)*s.stats.AvgLatencyMs
		}
	}
	runningKey, runningTotal := len(s.running[key]), s.runningTotal
	s.publishSnapshotLocked()
	s.mu.Unlock()

	s.settle(e, res)
	s.report(e, res)

	s.logger.Debug("task finished",
		"task_id", e.task.ID,
		"key", key,
		"outcome", outcomeName(res),
		"waited", res.Waited,
		"executed", res.Executed,
	)
	s.emit(Event{Kind: EventSlotFreed, TaskID: e.task.ID, Key: key, Priority: e.task.Priority, RunningKey: runningKey, RunningTotal: runningTotal})
}

func (s *Scheduler) report(e *entry, res TaskResult) {
	if s.feedback == nil || res.StolenBy != "" {
		return
	}
	p, m := e.task.Provider, e.task.Model
	var rl *errors.RateLimitError
	switch {
	case res.Success:
		s.feedback.Succeeded(p, m, res.Executed, res.Waited)
	case res.TimedOut:
		s.feedback.TimedOut(p, m, res.Executed, res.Waited)
	case res.Aborted:
		s.feedback.Aborted(p, m, res.Executed, res.Waited)
	case errors.As(res.Err, &rl):
		s.feedback.RateLimited(p, m, rl, res.Executed, res.Waited)
	default:
		s.feedback.Failed(p, m, res.Err, res.Executed, res.Waited)
	}
}

func outcomeName(res TaskResult) string {
	switch {
	case res.Success && res.StolenBy != "":
		return "stolen"
	case res.Success:
		return "success"
	case res.Preempted:
		return "preempted"
	case res.TimedOut:
		return "timed_out"
	case res.Aborted:
		return "aborted"
	}
	return "failed"
}

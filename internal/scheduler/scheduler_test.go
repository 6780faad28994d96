package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/event"
	"github.com/Iron-Ham/pacer/internal/limits"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeResolver struct {
	limit atomic.Int32
}

func (r *fakeResolver) Resolve(in limits.Input) limits.Result {
	n := int(r.limit.Load())
	return limits.Result{EffectiveConcurrency: n, LimitingFactor: limits.FactorAdaptive, LimitingReason: fmt.Sprintf("fixed at %d", n)}
}

type recordingSink struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: make(map[string]int)}
}

func (r *recordingSink) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
}

func (r *recordingSink) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recordingSink) Started(string, string)                                 { r.inc("started") }
func (r *recordingSink) Succeeded(string, string, time.Duration, time.Duration) { r.inc("succeeded") }
func (r *recordingSink) TimedOut(string, string, time.Duration, time.Duration)  { r.inc("timed_out") }
func (r *recordingSink) Aborted(string, string, time.Duration, time.Duration)   { r.inc("aborted") }

func (r *recordingSink) RateLimited(_, _ string, _ *errors.RateLimitError, _, _ time.Duration) {
	r.inc("rate_limited")
}

func (r *recordingSink) Failed(_, _ string, _ error, _, _ time.Duration) {
	r.inc("failed")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerModel = 1
	cfg.TickInterval = 5 * time.Millisecond
	cfg.StarvationThreshold = time.Hour
	cfg.PreemptionEnabled = false
	return cfg
}

func task(id string, p Priority, exec ExecuteFunc) ScheduledTask {
	return ScheduledTask{
		ID:       id,
		Provider: "anthropic",
		Model:    "sonnet",
		Priority: p,
		Execute:  exec,
	}
}

func succeed(context.Context) (any, error) { return "ok", nil }

func waitResult(t *testing.T, h *Handle) TaskResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait(context.Background())
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not resolve", h.ID())
	}
	return TaskResult{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustSubmit(t *testing.T, s *Scheduler, ctx context.Context, tk ScheduledTask) *Handle {
	t.Helper()
	h, err := s.Submit(ctx, tk)
	if err != nil {
		t.Fatalf("Submit(%s): %v", tk.ID, err)
	}
	return h
}

func TestScheduler_DispatchOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name   string
		submit []ScheduledTask
		want   []string
	}{
		{
			name: "high normal low",
			submit: []ScheduledTask{
				task("high", PriorityHigh, nil),
				task("normal", PriorityNormal, nil),
				task("low", PriorityLow, nil),
			},
			want: []string{"high", "normal", "low"},
		},
		{
			name: "reverse submission",
			submit: []ScheduledTask{
				task("low", PriorityLow, nil),
				task("normal", PriorityNormal, nil),
				task("high", PriorityHigh, nil),
			},
			want: []string{"high", "normal", "low"},
		},
		{
			name: "equal scores keep submission order",
			submit: []ScheduledTask{
				task("a", PriorityNormal, nil),
				task("b", PriorityNormal, nil),
				task("c", PriorityNormal, nil),
				task("d", PriorityNormal, nil),
			},
			want: []string{"a", "b", "c", "d"},
		},
		{
			name: "shorter job first within a priority",
			submit: func() []ScheduledTask {
				long := task("long", PriorityNormal, nil)
				long.Cost.EstimatedDuration = 3 * time.Second
				short := task("short", PriorityNormal, nil)
				short.Cost.EstimatedDuration = time.Second
				mid := task("mid", PriorityNormal, nil)
				mid.Cost.EstimatedDuration = 2 * time.Second
				return []ScheduledTask{long, short, mid}
			}(),
			want: []string{"short", "mid", "long"},
		},
		{
			name: "fewer tokens finish virtually sooner",
			submit: func() []ScheduledTask {
				big := task("big", PriorityNormal, nil)
				big.Cost.EstimatedTokens = 50000
				small := task("small", PriorityNormal, nil)
				small.Cost.EstimatedTokens = 100
				return []ScheduledTask{big, small}
			}(),
			want: []string{"small", "big"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			s := New(testConfig(), WithClock(clk.Now))

			var mu sync.Mutex
			var order []string
			var handles []*Handle
			for _, tk := range tt.submit {
				id := tk.ID
				tk.Execute = func(context.Context) (any, error) {
					mu.Lock()
					order = append(order, id)
					mu.Unlock()
					return id, nil
				}
				handles = append(handles, mustSubmit(t, s, context.Background(), tk))
			}

			s.Start(context.Background())
			for _, h := range handles {
				if res := waitResult(t, h); !res.Success {
					t.Errorf("task %s: %+v", h.ID(), res)
				}
			}
			s.Stop()

			if diff := cmp.Diff(tt.want, order); diff != "" {
				t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrentPerModel = 2
	cfg.MaxTotalConcurrent = 3
	s := New(cfg)
	defer s.Stop()

	var mu sync.Mutex
	cur := make(map[string]int)
	peak := make(map[string]int)
	total, peakTotal := 0, 0

	exec := func(key string) ExecuteFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			cur[key]++
			total++
			peak[key] = max(peak[key], cur[key])
			peakTotal = max(peakTotal, total)
			mu.Unlock()

			time.Sleep(3 * time.Millisecond)

			mu.Lock()
			cur[key]--
			total--
			mu.Unlock()
			return nil, nil
		}
	}

	var handles []*Handle
	for i := range 8 {
		for _, model := range []string{"sonnet", "haiku"} {
			tk := task(fmt.Sprintf("%s-%d", model, i), PriorityNormal, exec(model))
			tk.Model = model
			handles = append(handles, mustSubmit(t, s, context.Background(), tk))
		}
	}
	s.Start(context.Background())
	for _, h := range handles {
		waitResult(t, h)
	}

	for key, n := range peak {
		if n > 2 {
			t.Errorf("peak concurrency for %s = %d, want <= 2", key, n)
		}
	}
	if peakTotal > 3 {
		t.Errorf("peak total concurrency = %d, want <= 3", peakTotal)
	}
	if st := s.Stats(); st.Completed != 16 {
		t.Errorf("Completed = %d, want 16", st.Completed)
	}
}

func TestScheduler_ResolverLimitsAdmission(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrentPerModel = 4
	res := &fakeResolver{}
	s := New(cfg, WithResolver(res))
	defer s.Stop()

	var running, peak atomic.Int32
	exec := func(context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var handles []*Handle
	for i := range 5 {
		handles = append(handles, mustSubmit(t, s, context.Background(), task(fmt.Sprintf("t%d", i), PriorityNormal, exec)))
	}
	s.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	if st := s.Stats(); st.Running != 0 || st.Queued != 5 {
		t.Fatalf("with zero effective concurrency: running=%d queued=%d", st.Running, st.Queued)
	}
	last, ok := s.LastLimit("anthropic:sonnet")
	if !ok || last.EffectiveConcurrency != 0 || last.LimitingFactor != limits.FactorAdaptive {
		t.Errorf("LastLimit = %+v, %v", last, ok)
	}

	res.limit.Store(1)
	for _, h := range handles {
		waitResult(t, h)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}
}

func TestScheduler_Conservation(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrentPerModel = 8
	cfg.DefaultTimeout = 20 * time.Millisecond
	sink := newRecordingSink()
	s := New(cfg, WithFeedback(sink))

	cancelled, cancel := context.WithCancel(context.Background())
	handles := []*Handle{
		mustSubmit(t, s, context.Background(), task("ok", PriorityNormal, succeed)),
		mustSubmit(t, s, context.Background(), task("fail", PriorityNormal, func(context.Context) (any, error) {
			return nil, fmt.Errorf("boom")
		})),
		mustSubmit(t, s, context.Background(), task("rate", PriorityNormal, func(context.Context) (any, error) {
			return nil, &errors.RateLimitError{Provider: "anthropic", Model: "sonnet", RetryAfter: time.Second}
		})),
		mustSubmit(t, s, context.Background(), task("slow", PriorityNormal, func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})),
		mustSubmit(t, s, context.Background(), task("panic", PriorityNormal, func(context.Context) (any, error) {
			panic("kaboom")
		})),
		mustSubmit(t, s, cancelled, task("cancelled", PriorityNormal, succeed)),
	}
	cancel()

	s.Start(context.Background())
	results := make(map[string]TaskResult)
	for _, h := range handles {
		results[h.ID()] = waitResult(t, h)
	}
	s.Stop()

	if !results["ok"].Success || results["ok"].Result != "ok" {
		t.Errorf("ok: %+v", results["ok"])
	}
	if r := results["fail"]; r.Success || r.TimedOut || r.Aborted || r.Err == nil {
		t.Errorf("fail: %+v", r)
	}
	if r := results["rate"]; !errors.Is(r.Err, errors.ErrRateLimited) {
		t.Errorf("rate: %+v", r)
	}
	if r := results["slow"]; !r.TimedOut || !errors.Is(r.Err, errors.ErrTimeout) {
		t.Errorf("slow: %+v", r)
	}
	if r := results["panic"]; r.Success || r.Err == nil {
		t.Errorf("panic: %+v", r)
	}
	if r := results["cancelled"]; !r.Aborted || errors.KindOf(r.Err) != errors.KindCanceled {
		t.Errorf("cancelled: %+v", r)
	}

	st := s.Stats()
	if got := st.Completed + st.Failed + st.TimedOut + st.Aborted; got != st.Submitted {
		t.Errorf("completed+failed+timedOut+aborted = %d, submitted = %d", got, st.Submitted)
	}
	want := Stats{Submitted: 6, Completed: 1, Failed: 3, TimedOut: 1, Aborted: 1}
	got := Stats{Submitted: st.Submitted, Completed: st.Completed, Failed: st.Failed, TimedOut: st.TimedOut, Aborted: st.Aborted}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	for name, want := range map[string]int{
		"started":      5,
		"succeeded":    1,
		"rate_limited": 1,
		"failed":       2,
		"timed_out":    1,
	} {
		if got := sink.count(name); got != want {
			t.Errorf("feedback %s = %d, want %d", name, got, want)
		}
	}
}

func TestScheduler_TimeoutHoldsSlotUntilReturn(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.DefaultTimeout = 10 * time.Millisecond
	s := New(cfg)
	defer s.Stop()

	release := make(chan struct{})
	h := mustSubmit(t, s, context.Background(), task("stubborn", PriorityNormal, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		<-release
		return nil, nil
	}))
	s.Start(context.Background())

	res := waitResult(t, h)
	if !res.TimedOut || errors.KindOf(res.Err) != errors.KindTimeout {
		t.Fatalf("result = %+v, want timed out", res)
	}
	st := s.Stats()
	if st.Slots != 1 || st.Running != 0 || st.TimedOut != 1 {
		t.Errorf("while Execute still runs: slots=%d running=%d timedOut=%d", st.Slots, st.Running, st.TimedOut)
	}

	close(release)
	waitFor(t, "slot release", func() bool { return s.Stats().Slots == 0 })
	if st := s.Stats(); st.TimedOut != 1 || st.Completed != 0 {
		t.Errorf("late return recounted: %+v", st)
	}
}

func TestClassify_ReturnRacingTimeout(t *testing.T) {
	s := New(testConfig())
	defer s.Stop()

	expired, cancel := context.WithTimeoutCause(context.Background(), time.Nanosecond, errors.ErrTimeout)
	defer cancel()
	<-expired.Done()

	tests := []struct {
		name       string
		out        outcome
		timedOut   bool
		wantOK     bool
		wantResult any
	}{
		{"value returned before the timeout was seen", outcome{value: "ok"}, false, true, "ok"},
		{"error caused by the deadline", outcome{err: context.DeadlineExceeded}, false, false, nil},
		{"value after the caller was told", outcome{value: "late"}, true, false, "late"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &entry{task: task("racer", PriorityNormal, succeed), handle: newHandle("racer"), ctx: context.Background()}
			res := s.classify(expired, e, tt.out, tt.timedOut, 0, time.Millisecond)
			if res.Success != tt.wantOK || res.TimedOut == tt.wantOK {
				t.Errorf("classify() = success %v, timed out %v; want success %v", res.Success, res.TimedOut, tt.wantOK)
			}
			if res.Result != tt.wantResult {
				t.Errorf("Result = %v, want %v", res.Result, tt.wantResult)
			}
			if !tt.wantOK && !errors.Is(res.Err, errors.ErrTimeout) {
				t.Errorf("Err = %v, want ErrTimeout", res.Err)
			}
		})
	}
}

func TestScheduler_QueueTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.QueueTimeout = 20 * time.Millisecond
	s := New(cfg)
	defer s.Stop()

	release := make(chan struct{})
	blocker := mustSubmit(t, s, context.Background(), task("blocker", PriorityNormal, func(context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	s.Start(context.Background())
	waitFor(t, "blocker to start", func() bool { return s.Stats().Running == 1 })

	waiting := mustSubmit(t, s, context.Background(), task("waiting", PriorityNormal, succeed))
	res := waitResult(t, waiting)
	if !res.TimedOut || !errors.Is(res.Err, errors.ErrQueueTimeout) || !errors.IsRetryable(res.Err) {
		t.Errorf("queued result = %+v, want retryable queue timeout", res)
	}

	close(release)
	if res := waitResult(t, blocker); !res.Success {
		t.Errorf("blocker = %+v", res)
	}
}

func TestScheduler_DeadlineInPast(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(testConfig())
	defer s.Stop()

	tk := task("late", PriorityCritical, succeed)
	tk.Deadline = time.Now().Add(-time.Second)
	h := mustSubmit(t, s, context.Background(), tk)
	s.Start(context.Background())

	if res := waitResult(t, h); !res.TimedOut || !errors.Is(res.Err, errors.ErrQueueTimeout) {
		t.Errorf("result = %+v, want queue timeout", res)
	}
}

func TestScheduler_CallerCancelWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(testConfig())
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h := mustSubmit(t, s, ctx, task("cancel-me", PriorityNormal, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s.Start(context.Background())
	<-started
	cancel()

	res := waitResult(t, h)
	if !res.Aborted || !errors.Is(res.Err, errors.ErrCanceled) {
		t.Errorf("result = %+v, want aborted", res)
	}
}

func TestScheduler_StopAbortsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(testConfig())
	running := mustSubmit(t, s, context.Background(), task("running", PriorityHigh, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	queued := []*Handle{
		mustSubmit(t, s, context.Background(), task("q1", PriorityNormal, succeed)),
		mustSubmit(t, s, context.Background(), task("q2", PriorityLow, succeed)),
	}
	s.Start(context.Background())
	waitFor(t, "first task to start", func() bool { return s.Stats().Running == 1 })

	s.Stop()

	for _, h := range append(queued, running) {
		res := waitResult(t, h)
		if !res.Aborted || !errors.Is(res.Err, errors.ErrSchedulerStopped) {
			t.Errorf("%s = %+v, want aborted by stop", h.ID(), res)
		}
	}
	if _, err := s.Submit(context.Background(), task("after", PriorityNormal, succeed)); !errors.Is(err, errors.ErrSchedulerStopped) {
		t.Errorf("Submit after Stop error = %v", err)
	}
	st := s.Stats()
	if st.Aborted != 3 || st.Submitted != 3 {
		t.Errorf("stats = %+v", st)
	}

	n := 0
	for range s.Events() {
		n++
	}
	if n == 0 {
		t.Error("expected buffered events before the channel closed")
	}
	s.Stop()
}

func TestScheduler_SubmitValidation(t *testing.T) {
	s := New(testConfig())
	defer s.Stop()

	tests := []struct {
		name   string
		modify func(*ScheduledTask)
	}{
		{"missing provider", func(tk *ScheduledTask) { tk.Provider = "" }},
		{"missing model", func(tk *ScheduledTask) { tk.Model = "" }},
		{"missing execute", func(tk *ScheduledTask) { tk.Execute = nil }},
		{"unknown priority", func(tk *ScheduledTask) { tk.Priority = 9 }},
		{"negative tokens", func(tk *ScheduledTask) { tk.Cost.EstimatedTokens = -1 }},
		{"malformed payload", func(tk *ScheduledTask) { tk.Payload = json.RawMessage(`{`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := task("", PriorityNormal, succeed)
			tt.modify(&tk)
			_, err := s.Submit(context.Background(), tk)
			if !errors.Is(err, errors.ErrInvalidInput) || errors.KindOf(err) != errors.KindValidation {
				t.Errorf("Submit error = %v, want validation error", err)
			}
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		mustSubmit(t, s, context.Background(), task("dup", PriorityNormal, succeed))
		if _, err := s.Submit(context.Background(), task("dup", PriorityNormal, succeed)); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("duplicate Submit error = %v", err)
		}
	})

	t.Run("generated id", func(t *testing.T) {
		h := mustSubmit(t, s, context.Background(), task("", PriorityNormal, succeed))
		if h.ID() == "" {
			t.Error("expected a generated task ID")
		}
	})
}

func TestScheduler_EventsReachBus(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := event.NewBus()
	var mu sync.Mutex
	seen := make(map[string]int)
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen[e.EventType()]++
		mu.Unlock()
	})

	s := New(testConfig(), WithBus(bus))
	ok := mustSubmit(t, s, context.Background(), task("ok", PriorityNormal, succeed))
	bad := mustSubmit(t, s, context.Background(), task("bad", PriorityNormal, func(context.Context) (any, error) {
		return nil, fmt.Errorf("nope")
	}))
	s.Start(context.Background())
	waitResult(t, ok)
	waitResult(t, bad)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := map[string]int{
		event.TypeTaskCompleted: 1,
		event.TypeTaskFailed:    1,
		event.TypeSlotFreed:     2,
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("bus events mismatch (-want +got):\n%s", diff)
	}

	kinds := make(map[EventKind]int)
	for ev := range s.Events() {
		kinds[ev.Kind]++
	}
	if kinds[EventSlotFreed] != 2 || kinds[EventTaskCompleted] != 1 || kinds[EventTaskFailed] != 1 {
		t.Errorf("Events() kinds = %v", kinds)
	}
}

func TestScheduler_StealableEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := newFakeClock()
	s := New(testConfig(), WithClock(clk.Now))
	defer s.Stop()

	plain := mustSubmit(t, s, context.Background(), task("plain", PriorityNormal, succeed))
	stealable := task("shared", PriorityLow, succeed)
	stealable.Payload = json.RawMessage(`{"prompt":"summarise"}`)
	stealable.Cost = CostEstimate{EstimatedTokens: 2000, EstimatedDuration: 5 * time.Second}
	shared := mustSubmit(t, s, context.Background(), stealable)

	want := []StealableTask{{
		ID:                "shared",
		Provider:          "anthropic",
		Model:             "sonnet",
		Priority:          PriorityLow,
		EstimatedTokens:   2000,
		EstimatedDuration: 5 * time.Second,
		Payload:           json.RawMessage(`{"prompt":"summarise"}`),
		EnqueuedAt:        clk.Now(),
	}}
	if diff := cmp.Diff(want, s.StealableEntries()); diff != "" {
		t.Errorf("StealableEntries mismatch (-want +got):\n%s", diff)
	}

	if s.MarkStolen("plain", "inst-b") {
		t.Error("MarkStolen should refuse tasks without a payload")
	}
	if !s.MarkStolen("shared", "inst-b") {
		t.Fatal("MarkStolen(shared) = false")
	}
	if s.MarkStolen("shared", "inst-b") {
		t.Error("second MarkStolen should report false")
	}

	res := waitResult(t, shared)
	if !res.Success || res.StolenBy != "inst-b" {
		t.Errorf("stolen result = %+v", res)
	}
	if len(s.StealableEntries()) != 0 {
		t.Error("stolen entry still advertised")
	}

	s.Start(context.Background())
	waitResult(t, plain)
	st := s.Stats()
	if st.Completed != 2 || st.Stolen != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScheduler_ClaimLostToPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	var executed atomic.Bool
	claim := func(context.Context, string) (bool, string, error) {
		return false, "inst-c", nil
	}
	s := New(testConfig(), WithClaim(claim))
	defer s.Stop()

	tk := task("contested", PriorityNormal, func(context.Context) (any, error) {
		executed.Store(true)
		return nil, nil
	})
	tk.Payload = json.RawMessage(`{}`)
	h := mustSubmit(t, s, context.Background(), tk)
	s.Start(context.Background())

	res := waitResult(t, h)
	if !res.Success || res.StolenBy != "inst-c" {
		t.Errorf("result = %+v", res)
	}
	if executed.Load() {
		t.Error("task ran locally after a peer claimed it")
	}
}

func TestScheduler_RuntimeSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxTotalConcurrent = 6
	s := New(cfg)
	defer s.Stop()

	release := make(chan struct{})
	blocker := mustSubmit(t, s, context.Background(), task("blocker", PriorityNormal, func(context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	queued := mustSubmit(t, s, context.Background(), task("queued", PriorityNormal, succeed))
	s.Start(context.Background())
	waitFor(t, "blocker to start", func() bool { return s.Stats().Running == 1 })

	want := limits.RuntimeSnapshot{
		ActiveCount:   1,
		QueuedCount:   1,
		ActiveByKey:   map[string]int{"anthropic:sonnet": 1},
		MaxConcurrent: 6,
	}
	if diff := cmp.Diff(want, s.RuntimeSnapshot()); diff != "" {
		t.Errorf("RuntimeSnapshot mismatch (-want +got):\n%s", diff)
	}

	close(release)
	waitResult(t, blocker)
	waitResult(t, queued)
}

func TestScheduler_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(testConfig())
	s.Start(context.Background())
	defer s.Stop()

	res := s.Run(context.Background(), task("direct", PriorityHigh, func(context.Context) (any, error) {
		return 42, nil
	}))
	if !res.Success || res.Result != 42 || res.TaskID != "direct" {
		t.Errorf("Run = %+v", res)
	}

	res = s.Run(context.Background(), task("", PriorityHigh, nil))
	if res.Success || !errors.Is(res.Err, errors.ErrInvalidInput) {
		t.Errorf("Run with invalid task = %+v", res)
	}
}

package coordination

import (
	"context"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/event"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/parallelism"
	"github.com/Iron-Ham/pacer/internal/ratecontrol"
	"github.com/Iron-Ham/pacer/internal/totallimit"
)

// feedback routes scheduler outcomes into the adaptive controllers and
// announces every limit change on the bus.
type feedback struct {
	rate   *ratecontrol.Controller
	par    *parallelism.Adjuster
	total  *totallimit.Controller
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

func (f *feedback) Started(provider, model string) {
	f.par.RequestStarted(provider, model)
}

func (f *feedback) Succeeded(provider, model string, latency, wait time.Duration) {
	f.rate.RecordSuccess(provider, model)
	f.par.RequestFinished(provider, model, latency)
	f.observe(totallimit.KindSuccess, latency, wait)
}

func (f *feedback) RateLimited(provider, model string, err *errors.RateLimitError, latency, wait time.Duration) {
	key := ratecontrol.Key(provider, model)

	before, _ := f.rate.Get(provider, model)
	f.rate.Record429(provider, model, &ratecontrol.Details{RetryAfter: err.RetryAfter, Message: err.Message})
	if after, ok := f.rate.Get(provider, model); ok && after.Concurrency != before.Concurrency {
		f.bus.Publish(event.NewLimitChangedEvent(event.ScopeRate, key, before.Concurrency, after.Concurrency, "rate_limit"))
	}

	f.par.RequestFinished(provider, model, latency)
	f.adjust(provider, model, parallelism.ErrorRateLimit)
	f.observe(totallimit.KindRateLimit, latency, wait)
}

func (f *feedback) TimedOut(provider, model string, latency, wait time.Duration) {
	f.par.RequestFinished(provider, model, latency)
	f.adjust(provider, model, parallelism.ErrorTimeout)
	f.observe(totallimit.KindTimeout, latency, wait)
}

func (f *feedback) Failed(provider, model string, err error, latency, wait time.Duration) {
	f.par.RequestFinished(provider, model, latency)
	f.observe(totallimit.KindError, latency, wait)
	f.logger.Debug("task failed", "key", ratecontrol.Key(provider, model), "error", err)
}

// Aborted work says nothing about provider health, so only the in-flight
// count is released.
func (f *feedback) Aborted(provider, model string, latency, _ time.Duration) {
	f.par.RequestFinished(provider, model, latency)
}

func (f *feedback) adjust(provider, model string, kind parallelism.ErrorKind) {
	before := f.par.GetLimit(provider, model)
	after := f.par.AdjustForError(provider, model, kind)
	if after != before {
		f.bus.Publish(event.NewLimitChangedEvent(event.ScopeParallelism, ratecontrol.Key(provider, model), before, after, string(kind)))
	}
}

func (f *feedback) observe(kind totallimit.Kind, latency, wait time.Duration) {
	d, err := f.total.RecordObservation(context.Background(), totallimit.Observation{
		Kind:      kind,
		Latency:   latency,
		Wait:      wait,
		Timestamp: f.now(),
	})
	if err != nil {
		f.logger.Warn("failed to record total-limit observation", "kind", string(kind), "error", err)
		return
	}
	if d.Action != totallimit.ActionHold {
		f.bus.Publish(event.NewLimitChangedEvent(event.ScopeTotal, "", d.Previous, d.Limit, d.Reason))
	}
}

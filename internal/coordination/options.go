package coordination

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/pacer/internal/event"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/stealing"
)

// PayloadExecutor runs a stealable entry taken from a peer. Registering one
// is what lets this instance steal.
type PayloadExecutor func(ctx context.Context, entry stealing.StealableEntry) (any, error)

// runtimeConfig holds optional configuration for a Runtime.
type runtimeConfig struct {
	fs         afero.Fs
	logger     *logging.Logger
	now        func() time.Time
	bus        *event.Bus
	executor   PayloadExecutor
	instanceID string
	tracer     trace.TracerProvider
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithFs sets the filesystem backing the shared store. Defaults to the OS
// filesystem.
func WithFs(fs afero.Fs) Option {
	return func(c *runtimeConfig) { c.fs = fs }
}

// WithLogger sets the root logger. Each component gets a child logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *runtimeConfig) { c.logger = logger }
}

// WithClock overrides the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(c *runtimeConfig) { c.now = now }
}

// WithBus sets the event bus. If nil, a new bus is created.
func WithBus(bus *event.Bus) Option {
	return func(c *runtimeConfig) { c.bus = bus }
}

// WithPayloadExecutor enables stealing work from peers.
func WithPayloadExecutor(exec PayloadExecutor) Option {
	return func(c *runtimeConfig) { c.executor = exec }
}

// WithInstanceID fixes this instance's ID instead of generating one.
func WithInstanceID(id string) Option {
	return func(c *runtimeConfig) { c.instanceID = id }
}

// WithTracerProvider sets the tracer provider used for task spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *runtimeConfig) { c.tracer = tp }
}

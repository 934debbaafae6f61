package flow

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options configures a flow.
type Options struct {
	// QueueMaxSize is the capacity of every floe
	QueueMaxSize int

	// MaxPendingPerTrace caps messages queued for one trace across all floes; 0 disables the cap
	MaxPendingPerTrace int

	// AllowCycles skips cycle detection entirely
	AllowCycles bool

	// EmitErrors routes error records to the Rookery
	EmitErrors bool

	// StopTimeout bounds how long a nested flow may take to stop
	StopTimeout time.Duration

	// Logger for structured logging
	Logger *zap.Logger

	// Observers receive every lifecycle event in order
	Observers []Observer

	// StateStore receives lifecycle events and remote bindings
	StateStore StateStore

	// Bus receives a copy of every emission
	Bus MessageBus

	// TracerProvider supplies the tracer used for node spans
	TracerProvider trace.TracerProvider
}

// DefaultOptions returns the options a flow uses when none are given.
func DefaultOptions() Options {
	return Options{
		QueueMaxSize:       64,
		MaxPendingPerTrace: 256,
		StopTimeout:        5 * time.Second,
	}
}

// Validate applies defaults to unset fields.
func (o *Options) Validate() {
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = 64
	}
	if o.MaxPendingPerTrace < 0 {
		o.MaxPendingPerTrace = 0
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// Option mutates Options
type Option func(*Options)

// WithQueueMaxSize sets the capacity of every floe
func WithQueueMaxSize(n int) Option {
	return func(o *Options) { o.QueueMaxSize = n }
}

// WithMaxPendingPerTrace sets the per-trace pending cap
func WithMaxPendingPerTrace(n int) Option {
	return func(o *Options) { o.MaxPendingPerTrace = n }
}

// WithAllowCycles disables cycle detection
func WithAllowCycles(allow bool) Option {
	return func(o *Options) { o.AllowCycles = allow }
}

// WithEmitErrors routes error records to the Rookery
func WithEmitErrors(emit bool) Option {
	return func(o *Options) { o.EmitErrors = emit }
}

// WithStopTimeout bounds nested flow shutdown
func WithStopTimeout(d time.Duration) Option {
	return func(o *Options) { o.StopTimeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithObserver appends observers
func WithObserver(observers ...Observer) Option {
	return func(o *Options) { o.Observers = append(o.Observers, observers...) }
}

// WithStateStore attaches a durable state store
func WithStateStore(store StateStore) Option {
	return func(o *Options) { o.StateStore = store }
}

// WithMessageBus attaches a message bus
func WithMessageBus(bus MessageBus) Option {
	return func(o *Options) { o.Bus = bus }
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.Validate()
	return o
}

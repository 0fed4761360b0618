package core

import (
	"context"
	"time"

	"persistctx/internal/introspect"
	"persistctx/pkg/domain"
)

// Logger is the structured logging surface used by the persistence context
// and unit of work. Arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now returns the function's time.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around unit-of-work operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type contextOptions struct {
	clock        Clock
	logger       Logger
	metrics      MetricsRecorder
	tracer       Tracer
	introspector domain.RecordIntrospector
	entities     map[domain.EntityKey]any
	snapshots    map[domain.EntityKey]domain.EntitySnapshot
}

// ContextOption configures a PersistenceContext or UnitOfWork.
type ContextOption func(*contextOptions)

func defaultContextOptions() contextOptions {
	return contextOptions{
		clock:        ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:       noopLogger{},
		metrics:      noopMetrics{},
		tracer:       noopTracer{},
		introspector: introspect.New(),
	}
}

func applyContextOptions(opts []ContextOption) contextOptions {
	cfg := defaultContextOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithClock overrides the clock used for operation timings and checkpoints.
func WithClock(clock Clock) ContextOption {
	return func(o *contextOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ContextOption {
	return func(o *contextOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) ContextOption {
	return func(o *contextOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer for unit-of-work operations.
func WithTracer(tracer Tracer) ContextOption {
	return func(o *contextOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithIntrospector replaces the reflection introspector.
func WithIntrospector(in domain.RecordIntrospector) ContextOption {
	return func(o *contextOptions) {
		if in != nil {
			o.introspector = in
		}
	}
}

// WithEntities pre-seeds the identity map. The map is copied.
func WithEntities(entities map[domain.EntityKey]any) ContextOption {
	return func(o *contextOptions) {
		o.entities = entities
	}
}

// WithSnapshots pre-seeds the snapshot store. The map is copied.
func WithSnapshots(snapshots map[domain.EntityKey]domain.EntitySnapshot) ContextOption {
	return func(o *contextOptions) {
		o.snapshots = snapshots
	}
}

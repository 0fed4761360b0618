package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"persistctx/pkg/domain"
)

type TestEntity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Tags []string
}

type Member struct {
	Key   string `persist:"id" json:"key"`
	Email string `json:"email"`
	Age   int    `json:"age"`
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type captureTracer struct {
	mu    sync.Mutex
	ended map[string][]error
}

func newCaptureTracer() *captureTracer { return &captureTracer{ended: make(map[string][]error)} }

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ended[op])
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended[s.op] = append(s.tracer.ended[s.op], err)
}

var errExtract = errors.New("extract failed")

// failingIntrospector reports a fixed type tag and fails requested steps.
type failingIntrospector struct {
	failType   bool
	failFields bool
}

func (f failingIntrospector) IdentifierOf(entity any) (any, error) {
	if e, ok := entity.(*TestEntity); ok {
		return e.ID, nil
	}
	return nil, fmt.Errorf("%w: %T", domain.ErrNoIdentifier, entity)
}

func (f failingIntrospector) TypeTagOf(any) (domain.RecordType, error) {
	if f.failType {
		return "", errExtract
	}
	return "test_entity", nil
}

func (f failingIntrospector) FieldValuesOf(any) (map[string]any, error) {
	if f.failFields {
		return nil, errExtract
	}
	return map[string]any{}, nil
}

// countingStore wraps a RecordStore and counts Load calls.
type countingStore struct {
	domain.RecordStore
	mu       sync.Mutex
	loads    int
	gate     chan struct{}
	applyErr error
	applied  [][]domain.Change
}

func (s *countingStore) Load(ctx context.Context, key domain.EntityKey) (map[string]any, bool, error) {
	s.mu.Lock()
	s.loads++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return s.RecordStore.Load(ctx, key)
}

func (s *countingStore) Apply(ctx context.Context, changes []domain.Change) error {
	s.mu.Lock()
	s.applied = append(s.applied, changes)
	applyErr := s.applyErr
	s.mu.Unlock()
	if applyErr != nil {
		return applyErr
	}
	return s.RecordStore.Apply(ctx, changes)
}

func (s *countingStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type Address struct {
	Lines []string
	Geo   map[string]float64
}

type Household struct {
	ID      string            `persist:"id" json:"id"`
	Address Address           `json:"address"`
	Billing *Address          `json:"billing"`
	Labels  map[string]string `json:"labels"`
}

// closingIntrospector closes uow, once set, whenever an identifier is
// extracted.
type closingIntrospector struct {
	domain.RecordIntrospector
	uow *UnitOfWork
}

func (c *closingIntrospector) IdentifierOf(entity any) (any, error) {
	if c.uow != nil {
		_ = c.uow.Close()
	}
	return c.RecordIntrospector.IdentifierOf(entity)
}

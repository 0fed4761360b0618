package core

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

var expvarSeq uint64

// OperationStats aggregates the outcomes of one operation name.
type OperationStats struct {
	Success int64   `json:"success"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
}

// ExpvarMetricsRecorder publishes per-operation counters and accumulated
// durations through expvar under a single variable name.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]OperationStats
}

// NewExpvarMetricsRecorder publishes a recorder under name. An empty name is
// replaced with a generated unique one, since expvar names may only be
// published once per process.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("persistctx_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{name: name, ops: make(map[string]OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return rec.Stats() }))
	return rec
}

// Name returns the expvar variable name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ops[operation]
	if success {
		st.Success++
	} else {
		st.Errors++
	}
	st.TotalMS += float64(duration) / float64(time.Millisecond)
	r.ops[operation] = st
}

// Stats returns a copy of the aggregated counters.
func (r *ExpvarMetricsRecorder) Stats() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, st := range r.ops {
		out[op] = st
	}
	return out
}

// SpanRecord is one finished span written by JSONTraceTracer.
type SpanRecord struct {
	Operation  string    `json:"operation"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps them for
// inspection. A nil writer only retains spans.
type JSONTraceTracer struct {
	mu    sync.Mutex
	out   io.Writer
	spans []SpanRecord
	now   func() time.Time
}

// NewJSONTracer returns a tracer writing to w.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	return &JSONTraceTracer{out: w, now: func() time.Time { return time.Now().UTC() }}
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: t.now()}
}

// Spans returns the finished spans ordered by start time.
func (t *JSONTraceTracer) Spans() []SpanRecord {
	t.mu.Lock()
	out := append([]SpanRecord(nil), t.spans...)
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

type jsonSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonSpan) End(err error) {
	s.once.Do(func() {
		rec := SpanRecord{
			Operation:  s.operation,
			OK:         err == nil,
			DurationMS: float64(s.tracer.now().Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		s.tracer.mu.Lock()
		defer s.tracer.mu.Unlock()
		s.tracer.spans = append(s.tracer.spans, rec)
		if s.tracer.out == nil {
			return
		}
		if line, mErr := json.Marshal(rec); mErr == nil {
			_, _ = s.tracer.out.Write(append(line, '\n'))
		}
	})
}

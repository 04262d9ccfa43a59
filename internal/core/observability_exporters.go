package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"slicetune/internal/mutation"
	"slicetune/pkg/domain"
)

var expvarSeq atomic.Uint64

// ExpvarRecorder publishes per-operation counters and mutation outcomes as
// one expvar map:
//
//	{"calls": {op: n}, "errors": {op: n}, "duration_ms": {op: total}, "mutations": {outcome[/rule]: n}}
type ExpvarRecorder struct {
	name      string
	calls     *expvar.Map
	errors    *expvar.Map
	durations *expvar.Map
	mutations *expvar.Map
}

// ExpvarSnapshot mirrors the published map.
type ExpvarSnapshot struct {
	Calls      map[string]int64   `json:"calls"`
	Errors     map[string]int64   `json:"errors"`
	DurationMS map[string]float64 `json:"duration_ms"`
	Mutations  map[string]int64   `json:"mutations"`
}

// NewExpvarMetricsRecorder publishes under name, or a generated name when
// empty. expvar panics on duplicate names.
func NewExpvarMetricsRecorder(name string) *ExpvarRecorder {
	if name == "" {
		name = fmt.Sprintf("slicetune_service_%d", expvarSeq.Add(1))
	}
	r := &ExpvarRecorder{
		name:      name,
		calls:     new(expvar.Map).Init(),
		errors:    new(expvar.Map).Init(),
		durations: new(expvar.Map).Init(),
		mutations: new(expvar.Map).Init(),
	}
	root := new(expvar.Map).Init()
	root.Set("calls", r.calls)
	root.Set("errors", r.errors)
	root.Set("duration_ms", r.durations)
	root.Set("mutations", r.mutations)
	expvar.Publish(name, root)
	return r
}

func (r *ExpvarRecorder) Name() string { return r.name }

func (r *ExpvarRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.calls.Add(operation, 1)
	if !success {
		r.errors.Add(operation, 1)
	}
	r.durations.AddFloat(operation, float64(duration)/float64(time.Millisecond))
}

// ObserveMutation counts outcome, suffixed with "/rule" when a rule matched.
func (r *ExpvarRecorder) ObserveMutation(_ context.Context, outcome mutation.Outcome, rule domain.MutationRuleID) {
	key := string(outcome)
	if rule != "" {
		key += "/" + string(rule)
	}
	r.mutations.Add(key, 1)
}

func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	return ExpvarSnapshot{
		Calls:      intsOf(r.calls),
		Errors:     intsOf(r.errors),
		DurationMS: floatsOf(r.durations),
		Mutations:  intsOf(r.mutations),
	}
}

func intsOf(m *expvar.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}

func floatsOf(m *expvar.Map) map[string]float64 {
	out := make(map[string]float64)
	m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Float); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}

// SpanRecord is one finished span.
type SpanRecord struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Start      time.Time `json:"start"`
	DurationMS float64   `json:"duration_ms"`
}

// JSONTracer keeps finished spans in memory and, given a writer, emits each
// as a JSON line.
type JSONTracer struct {
	mu    sync.Mutex
	out   io.Writer
	spans []SpanRecord
}

func NewJSONTracer(w io.Writer) *JSONTracer {
	return &JSONTracer{out: w}
}

// Spans returns the finished spans in end order.
func (t *JSONTracer) Spans() []SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.spans)
}

func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, jsonSpan{tracer: t, op: operation, start: time.Now().UTC()}
}

func (t *JSONTracer) finish(rec SpanRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, rec)
	if t.out == nil {
		return
	}
	if line, err := json.Marshal(rec); err == nil {
		_, _ = t.out.Write(append(line, '\n'))
	}
}

type jsonSpan struct {
	tracer *JSONTracer
	op     string
	start  time.Time
}

func (s jsonSpan) End(err error) {
	rec := SpanRecord{
		Operation:  s.op,
		Status:     "success",
		Start:      s.start,
		DurationMS: float64(time.Since(s.start)) / float64(time.Millisecond),
	}
	if err != nil {
		rec.Status, rec.Error = "error", err.Error()
	}
	s.tracer.finish(rec)
}

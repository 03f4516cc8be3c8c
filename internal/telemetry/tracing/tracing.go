// Package tracing provides a minimal internal span abstraction used to
// correlate log lines across the control channel's I/O loop and the
// ingestion pipeline's watcher loop. It mirrors the shape of a real tracer
// closely enough to bridge into go.opentelemetry.io/otel at the driver
// facade boundary, without requiring a configured OTel SDK for internal use.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Span is one traced operation.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
}

// SpanContext carries the correlation ids a Span exposes.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans, optionally as children of a span already in ctx.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (noopTracer) Noop() bool                                                      { return true }
func (noopSpan) End()                                                              {}
func (noopSpan) SetAttribute(string, any)                                          {}
func (noopSpan) Context() SpanContext                                              { return SpanContext{} }

// NewTracer returns a real tracer when enabled, otherwise a noop.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{}
}

type simpleTracer struct{}

func (simpleTracer) Noop() bool { return false }

func (simpleTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	parent := fromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &span{ctx: SpanContext{
		TraceID:       traceID,
		SpanID:        newID(8),
		ParentSpanID:  parent.ctx.SpanID,
		Start:         time.Now(),
	}, attrs: make(map[string]any)}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	return ctx, sp
}

type span struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (s *span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
}

func (s *span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
}

func (s *span) Context() SpanContext { return s.ctx }

type spanKey struct{}

func fromContext(ctx context.Context) *span {
	if ctx == nil {
		return &span{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*span); ok {
		return sp
	}
	return &span{}
}

// ExtractIDs returns the trace/span id correlated with ctx, or empty strings
// if no span has been started.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := fromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	if _, err := randcrypto.Read(b); err != nil {
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(b)
}

// Package trace provides tracing instrumentation for frame navigations
// and the actions running on top of them.
package trace

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "frameflow"

// liveSpan is the navigation span of a frame. Lifecycle events and API
// calls that happen after a navigation are attached to it.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for navigations, API calls and lifecycle events,
// correlating the asynchronous ones with the frame they belong to.
type Tracer struct {
	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
// A nil provider results in a noop tracer.
func NewTracer(tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(nil, nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceAPICall adds a new span to the current liveSpan for the given frameID and returns it. It
// is the caller's responsibility to close the generated span.
// If there is not a liveSpan for the given frameID, the new span is created based on the given
// context.
func (t *Tracer) TraceAPICall(
	ctx context.Context, frameID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[frameID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return t.Start(ctx, spanName, opts...)
	}
	return t.Start(ls.ctx, spanName, opts...)
}

// TraceNavigation is only to be used when a frame has committed a new
// document. It records a new liveSpan for the given frameID, ending the
// previous one if any.
func (t *Tracer) TraceNavigation(
	ctx context.Context, frameID string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[frameID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}
	ls.ctx, ls.span = t.Start(ctx, "navigation", opts...)
	t.liveSpans[frameID] = ls

	return ls.ctx, ls.span
}

// TraceEvent creates a new span representing the specified event and associates it with the current
// liveSpan for the given frameID. It is the caller's responsibility to close the generated span.
//
// If no liveSpan is found for the given frameID a NoopSpan is returned.
func (t *Tracer) TraceEvent(
	ctx context.Context, frameID string, eventName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[frameID]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return ctx, NoopSpan{}
	}
	return t.Start(ls.ctx, eventName, opts...)
}

// EndNavigation ends the live span of frameID. Used when the frame is
// detached.
func (t *Tracer) EndNavigation(frameID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[frameID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, frameID)
	}
}

// RenameFrame moves the live span of a frame whose id changed, e.g. on a
// cross process navigation of the main frame.
func (t *Tracer) RenameFrame(oldID, newID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls, ok := t.liveSpans[oldID]; ok {
		delete(t.liveSpans, oldID)
		t.liveSpans[newID] = ls
	}
}

// RecordError marks span as failed with err, if any.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }

// Package otel bridges engine execution events into OpenTelemetry
// spans and metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plover-labs/feedflow/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans: one
// root span per run, one child span per node. Skipped nodes become span
// events on the run span rather than zero-length child spans.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (parent for node spans)
	nodeSpans map[string]trace.Span      // runID:nodeID -> span
}

// NewTracingHandler creates a handler that builds spans with tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes one engine event. It implements engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventRunStarted:
		h.handleRunStarted(e)
	case engine.EventNodeStarted:
		h.handleNodeStarted(e)
	case engine.EventNodeFinished:
		h.handleNodeFinished(e)
	case engine.EventNodeFailed:
		h.handleNodeFailed(e)
	case engine.EventNodeSkipped:
		h.handleNodeSkipped(e)
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e engine.Event) {
	name := e.GraphID
	if s, ok := e.Payload["graph"].(string); ok && s != "" {
		name = s
	}
	if name == "" {
		name = e.RunID
	}

	ctx, span := h.tracer.Start(context.Background(), "run:"+name,
		trace.WithAttributes(
			attribute.String("feedflow.run_id", e.RunID),
			attribute.String("feedflow.graph", e.GraphID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("feedflow.run_id", e.RunID),
			attribute.String("feedflow.graph", e.GraphID),
			attribute.String("feedflow.node_id", e.NodeID),
			attribute.String("feedflow.node_kind", string(e.NodeKind)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeFinished(e engine.Event) {
	span, ok := h.takeNodeSpan(e)
	if !ok {
		return
	}
	if n, found := e.Payload["output_count"].(int); found {
		span.SetAttributes(attribute.Int("feedflow.output_count", n))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleNodeFailed(e engine.Event) {
	span, ok := h.takeNodeSpan(e)
	if !ok {
		return
	}
	msg := "node degraded"
	if s, found := e.Payload["error"].(string); found {
		msg = s
	}
	span.SetStatus(codes.Error, msg)
	span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleNodeSkipped records a disabled node on the run span; it never
// received a node_started so it has no span of its own.
func (h *TracingHandler) handleNodeSkipped(e engine.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent("node_skipped",
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(
			attribute.String("feedflow.node_id", e.NodeID),
			attribute.String("feedflow.node_kind", string(e.NodeKind)),
		),
	)
}

func (h *TracingHandler) handleRunFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status, _ := e.Payload["status"].(string)
	span.SetAttributes(attribute.String("feedflow.status", status))

	if status == "completed" {
		span.SetStatus(codes.Ok, "")
	} else {
		msg := "run " + status
		if s, found := e.Payload["error"].(string); found {
			msg = s
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) takeNodeSpan(e engine.Event) (trace.Span, bool) {
	key := e.RunID + ":" + e.NodeID
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	return span, ok
}

// ActiveRunSpanContext returns the span context of a run still in
// flight, or an empty context when the run is unknown or finished.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if span, ok := h.runSpans[runID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

// ActiveNodeSpanContext returns the span context of a node still in
// flight within a run.
func (h *TracingHandler) ActiveNodeSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if span, ok := h.nodeSpans[runID+":"+nodeID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

type spanError string

func (e spanError) Error() string { return string(e) }

package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/engine"
	feedotel "github.com/plover-labs/feedflow/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func attrString(span *tracetest.SpanStub, key string) (string, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value.AsString(), true
		}
	}
	return "", false
}

func TestTracingHandler_RunLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := feedotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{
		Kind:    engine.EventRunStarted,
		RunID:   "run-1",
		GraphID: "feed_rec",
		Time:    now,
		Payload: map[string]any{"graph": "main feed"},
	})

	runSC := h.ActiveRunSpanContext("run-1")
	if !runSC.IsValid() {
		t.Fatal("expected a valid run span context while the run is in flight")
	}

	h.Handle(engine.Event{
		Kind:     engine.EventNodeStarted,
		RunID:    "run-1",
		GraphID:  "feed_rec",
		NodeID:   "random_recall",
		NodeKind: core.NodeKindRecall,
		Time:     now.Add(5 * time.Millisecond),
	})

	nodeSC := h.ActiveNodeSpanContext("run-1", "random_recall")
	if !nodeSC.IsValid() {
		t.Fatal("expected a valid node span context while the node runs")
	}
	if nodeSC.TraceID() != runSC.TraceID() {
		t.Error("node span must share the run span's trace id")
	}

	h.Handle(engine.Event{
		Kind:     engine.EventNodeFinished,
		RunID:    "run-1",
		GraphID:  "feed_rec",
		NodeID:   "random_recall",
		NodeKind: core.NodeKindRecall,
		Time:     now.Add(15 * time.Millisecond),
		Elapsed:  10 * time.Millisecond,
		Payload:  map[string]any{"output_count": 30},
	})
	h.Handle(engine.Event{
		Kind:    engine.EventRunFinished,
		RunID:   "run-1",
		GraphID: "feed_rec",
		Time:    now.Add(20 * time.Millisecond),
		Elapsed: 20 * time.Millisecond,
		Payload: map[string]any{"status": "completed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	runSpan := findSpan(spans, "run:main feed")
	if runSpan == nil {
		t.Fatalf("run span not found; spans: %v", spanNames(spans))
	}
	if runSpan.Status.Code != otelcodes.Ok {
		t.Errorf("run span status = %v, want Ok", runSpan.Status.Code)
	}
	if got, ok := attrString(runSpan, "feedflow.graph"); !ok || got != "feed_rec" {
		t.Errorf("feedflow.graph = %q, want feed_rec", got)
	}
	if got, ok := attrString(runSpan, "feedflow.status"); !ok || got != "completed" {
		t.Errorf("feedflow.status = %q, want completed", got)
	}

	nodeSpan := findSpan(spans, "node:random_recall")
	if nodeSpan == nil {
		t.Fatalf("node span not found; spans: %v", spanNames(spans))
	}
	if nodeSpan.Parent.SpanID() != runSC.SpanID() {
		t.Error("node span must be a child of the run span")
	}
	if got, ok := attrString(nodeSpan, "feedflow.node_kind"); !ok || got != "recall" {
		t.Errorf("feedflow.node_kind = %q, want recall", got)
	}
	if nodeSpan.Status.Code != otelcodes.Ok {
		t.Errorf("node span status = %v, want Ok", nodeSpan.Status.Code)
	}

	// Both spans are out of flight now.
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span context must be invalid after run_finished")
	}
	if h.ActiveNodeSpanContext("run-1", "random_recall").IsValid() {
		t.Error("node span context must be invalid after node_finished")
	}
}

func TestTracingHandler_NodeFailureEndsSpanWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := feedotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", GraphID: "g", Time: now})
	h.Handle(engine.Event{
		Kind: engine.EventNodeStarted, RunID: "run-1", GraphID: "g",
		NodeID: "rank", NodeKind: core.NodeKindRank, Time: now,
	})
	h.Handle(engine.Event{
		Kind: engine.EventNodeFailed, RunID: "run-1", GraphID: "g",
		NodeID: "rank", NodeKind: core.NodeKindRank,
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"error": "model backend down"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "model backend down" {
		t.Errorf("status description = %q, want the node error", span.Status.Description)
	}
	if len(span.Events) == 0 || span.Events[0].Name != "exception" {
		t.Errorf("expected a recorded exception event, got %+v", span.Events)
	}
}

func TestTracingHandler_FailedRunEndsSpanWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := feedotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", GraphID: "g", Time: now})
	h.Handle(engine.Event{
		Kind: engine.EventRunFinished, RunID: "run-1", GraphID: "g",
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"status": "failed", "error": "node not found: \"ghost\""},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if got, ok := attrString(&spans[0], "feedflow.status"); !ok || got != "failed" {
		t.Errorf("feedflow.status = %q, want failed", got)
	}
}

func TestTracingHandler_SkippedNodeAnnotatesRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := feedotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", GraphID: "g", Time: now})
	h.Handle(engine.Event{
		Kind: engine.EventNodeSkipped, RunID: "run-1", GraphID: "g",
		NodeID: "off", NodeKind: core.NodeKindFilter,
		Time: now.Add(time.Millisecond),
	})
	h.Handle(engine.Event{
		Kind: engine.EventRunFinished, RunID: "run-1", GraphID: "g",
		Time:    now.Add(2 * time.Millisecond),
		Payload: map[string]any{"status": "completed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected only the run span, got %d spans", len(spans))
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "node_skipped" {
		t.Fatalf("expected one node_skipped event on the run span, got %+v", spans[0].Events)
	}
}

func TestTracingHandler_UnknownRunIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := feedotel.NewTracingHandler(tp.Tracer("test"))

	// Events for runs this handler never saw must be dropped quietly.
	h.Handle(engine.Event{Kind: engine.EventNodeFinished, RunID: "ghost", NodeID: "n"})
	h.Handle(engine.Event{Kind: engine.EventNodeFailed, RunID: "ghost", NodeID: "n"})
	h.Handle(engine.Event{Kind: engine.EventNodeSkipped, RunID: "ghost", NodeID: "n"})
	h.Handle(engine.Event{Kind: engine.EventRunFinished, RunID: "ghost"})

	if got := len(exporter.GetSpans()); got != 0 {
		t.Errorf("expected no spans, got %d", got)
	}
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, len(spans))
	for i := range spans {
		names[i] = spans[i].Name
	}
	return names
}

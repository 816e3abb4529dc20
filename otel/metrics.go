package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plover-labs/feedflow/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics:
// per-node execution and failure counters, node and run duration
// histograms, and a counter for skipped (disabled) nodes.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeSkips      metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the handler's instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("feedflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("feedflow.node.failures",
		metric.WithDescription("Number of degraded node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeSkip, err := meter.Int64Counter("feedflow.node.skips",
		metric.WithDescription("Number of skipped (disabled) nodes"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("feedflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("feedflow.run.duration",
		metric.WithDescription("Duration of one graph run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeSkips:      nodeSkip,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle processes one engine event. It implements engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
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

func (h *MetricsHandler) handleNodeFinished(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(nodeAttrs(e)...)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleNodeFailed(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(nodeAttrs(e)...)
	h.nodeFailures.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleNodeSkipped(e engine.Event) {
	h.nodeSkips.Add(context.Background(), 1, metric.WithAttributes(nodeAttrs(e)...))
}

func (h *MetricsHandler) handleRunFinished(e engine.Event) {
	status, _ := e.Payload["status"].(string)
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("graph", e.GraphID),
			attribute.String("status", status),
		),
	)
}

// nodeAttrs labels a node metric by graph, node id and kind. Run ids
// are deliberately excluded: they are unbounded.
func nodeAttrs(e engine.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("graph", e.GraphID),
		attribute.String("node_id", e.NodeID),
		attribute.String("node_kind", string(e.NodeKind)),
	}
}

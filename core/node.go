package core

import (
	"context"
	"errors"
	"reflect"

	"github.com/plover-labs/feedflow/trace"
)

// Node is the unit of execution in a recommendation DAG.
type Node interface {
	// ID returns the node's unique identifier within a graph.
	ID() string

	// Kind returns the pipeline stage this node implements.
	Kind() NodeKind

	// TypeName returns the registered type name (e.g. "tag_recall").
	TypeName() string

	// Enabled reports whether the node participates in execution.
	// Disabled nodes are skipped and pass their primary input through.
	Enabled() bool

	// Process executes the node's logic. For recall, rank, filter and
	// blend nodes the output is []*Candidate; transform nodes may return
	// any shape.
	Process(ctx context.Context, rc *RequestContext, in NodeInput) (any, error)
}

// NodeInput is the resolved input shape handed to Process.
//
// Primary is the output of the first incoming edge in declaration order
// (nil for entry nodes). Sources maps every upstream node id to its
// output, and Order lists those ids in edge-declaration order so blend
// nodes interleave deterministically.
type NodeInput struct {
	Primary any
	Sources map[string]any
	Order   []string
}

// Count reports how many input records the node received across all
// sources.
func (in NodeInput) Count() int {
	n := 0
	for _, id := range in.Order {
		n += outputCount(in.Sources[id])
	}
	return n
}

// Candidates flattens the input into one list: every upstream candidate
// list concatenated in edge-declaration order. Rank and filter nodes
// consume this shape.
func (in NodeInput) Candidates() []*Candidate {
	var out []*Candidate
	for _, id := range in.Order {
		if cands, ok := AsCandidates(in.Sources[id]); ok {
			out = append(out, cands...)
		}
	}
	return out
}

// CandidateSources returns the upstream candidate lists keyed by node id,
// plus the ids in edge-declaration order. Blend nodes consume this shape.
func (in NodeInput) CandidateSources() (map[string][]*Candidate, []string) {
	srcs := make(map[string][]*Candidate, len(in.Sources))
	order := make([]string, 0, len(in.Order))
	for _, id := range in.Order {
		cands, ok := AsCandidates(in.Sources[id])
		if !ok {
			continue
		}
		srcs[id] = cands
		order = append(order, id)
	}
	return srcs, order
}

// AsCandidates coerces a node output to a candidate list. Nil outputs
// count as empty lists; non-candidate shapes (formatted feed items)
// report false.
func AsCandidates(v any) ([]*Candidate, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []*Candidate:
		return t, true
	}
	return nil, false
}

// BaseNode provides the identity fields every node shares.
// Embed this in concrete node types and implement Process.
type BaseNode struct {
	id       string
	kind     NodeKind
	typeName string
	enabled  bool
}

// NewBaseNode creates a new BaseNode with the given identity.
func NewBaseNode(id string, kind NodeKind, typeName string, enabled bool) BaseNode {
	return BaseNode{
		id:       id,
		kind:     kind,
		typeName: typeName,
		enabled:  enabled,
	}
}

// ID returns the node's unique identifier.
func (n BaseNode) ID() string {
	return n.id
}

// Kind returns the node's pipeline stage.
func (n BaseNode) Kind() NodeKind {
	return n.kind
}

// TypeName returns the node's registered type name.
func (n BaseNode) TypeName() string {
	return n.typeName
}

// Enabled reports whether the node participates in execution.
func (n BaseNode) Enabled() bool {
	return n.enabled
}

// SafeProcess executes one node under the standard degradation contract.
//
// Disabled nodes are recorded as skipped and pass their primary input
// through unchanged. Failing nodes are recorded in the trace, roll back
// any open gateway transaction and degrade instead of aborting: recall
// yields an empty list, rank/filter/blend yield their concatenated input,
// transform yields its primary input. The node's error is still returned
// so callers can surface a failure event; execution continues with the
// degraded output.
func SafeProcess(ctx context.Context, node Node, rc *RequestContext, in NodeInput) (any, error) {
	tr := rc.Trace

	if !node.Enabled() {
		if tr != nil {
			tr.StartNode(node.ID(), node.TypeName())
			tr.SetNodeInputCount(node.ID(), in.Count())
			tr.EndNode(node.ID(), trace.StatusSkipped, outputCount(in.Primary), map[string]any{
				"skipped": true,
				"reason":  "node_disabled",
			})
		}
		return in.Primary, nil
	}

	if tr != nil {
		tr.StartNode(node.ID(), node.TypeName())
		tr.SetNodeInputCount(node.ID(), in.Count())
		for _, src := range in.Order {
			if cands, ok := AsCandidates(in.Sources[src]); ok {
				tr.AddNodeDetail(node.ID(), "input_"+src+"_count", len(cands))
			}
		}
	}

	out, err := node.Process(ctx, rc, in)
	if err == nil {
		if tr != nil {
			tr.EndNode(node.ID(), trace.StatusSuccess, outputCount(out), nil)
		}
		return out, nil
	}

	kind := trace.KindNodeError
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = trace.KindCancellation
	}
	degraded := degradedOutput(node.Kind(), in)
	if tr != nil {
		tr.AddError(node.ID(), err.Error(), kind)
		tr.EndNode(node.ID(), trace.StatusError, outputCount(degraded), nil)
	}
	if rc.Gateway != nil {
		// Abandon any in-flight transaction; the pipeline owns recovery.
		_ = rc.Gateway.Rollback(ctx)
	}
	return degraded, err
}

// degradedOutput picks the fallback output for a failed node.
func degradedOutput(kind NodeKind, in NodeInput) any {
	switch kind {
	case NodeKindRecall:
		return []*Candidate{}
	case NodeKindTransform:
		return in.Primary
	default: // rank, filter, blend: pass the inputs along unprocessed
		return in.Candidates()
	}
}

// outputCount sizes a node output for trace bookkeeping.
func outputCount(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case []*Candidate:
		return len(t)
	case []any:
		return len(t)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return 1
}

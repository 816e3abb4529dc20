package core

import (
	"github.com/plover-labs/feedflow/trace"
)

// RequestContext carries everything a node needs for one recommendation
// request: the data gateway, the request parameters, the trace recorder,
// and the engine-populated execution coordinates.
//
// A RequestContext is request-scoped. The engine hands each node a shallow
// overlay (ForNode) so node-local coordinates never leak between siblings.
type RequestContext struct {
	// Gateway provides data access for the duration of the request.
	// One gateway instance is owned by exactly one request.
	Gateway DataGateway

	UserID int64 // 0 = anonymous
	Count  int
	Offset int
	Scene  string
	Slot   string
	Device string
	Geo    string
	AB     string
	Debug  bool

	// Seed drives every randomized choice in the pipeline so the same
	// cursor replays the same request bit for bit.
	Seed int64

	Trace *trace.Info

	// Engine-populated per node execution. Set via ForNode, never by hand.
	DAGID  string
	NodeID string
	Inputs map[string]any
}

// ForNode returns a shallow copy scoped to one node execution. The copy
// shares the gateway and trace but carries its own coordinates and inputs
// map.
func (rc *RequestContext) ForNode(dagID, nodeID string, inputs map[string]any) *RequestContext {
	cp := *rc
	cp.DAGID = dagID
	cp.NodeID = nodeID
	cp.Inputs = inputs
	return &cp
}

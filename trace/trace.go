// Package trace records per-request execution information for
// recommendation pipelines: node lifecycle, errors, and free-form details.
//
// One Info is created per pipeline request and threaded through every node.
// Sibling nodes may run concurrently, so all mutating methods are safe for
// concurrent use. An Info must never be shared across requests.
package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Node and pipeline statuses recorded in a trace.
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusSkipped  = "skipped"
	StatusFallback = "fallback"
)

// Error kinds recorded by AddError.
const (
	KindNodeError    = "node_error"
	KindCancellation = "cancellation"
)

// NodeRecord captures the lifecycle of a single node execution.
type NodeRecord struct {
	NodeID      string
	NodeType    string
	StartTime   time.Time
	EndTime     time.Time // zero until the node ends
	Status      string
	InputCount  int
	OutputCount int
	Details     map[string]any
}

// ErrorEntry is one recorded failure, kept in arrival order.
type ErrorEntry struct {
	Time    time.Time
	NodeID  string
	Kind    string
	Message string
}

// Info accumulates the per-request trace. Create one with New (or NewWithID
// to adopt a caller-supplied trace id); the zero value is not usable.
type Info struct {
	mu        sync.Mutex
	traceID   string
	startTime time.Time
	endTime   time.Time // zero until Complete
	status    string
	nodes     map[string]*NodeRecord
	nodeOrder []string
	errors    []ErrorEntry
	global    map[string]any
}

// New creates a running trace with a fresh "trace-" prefixed id.
func New() *Info {
	return NewWithID("trace-" + uuid.NewString())
}

// NewWithID creates a running trace that adopts the given id.
func NewWithID(id string) *Info {
	return &Info{
		traceID:   id,
		startTime: time.Now(),
		status:    StatusRunning,
		nodes:     make(map[string]*NodeRecord),
		global:    make(map[string]any),
	}
}

// ID returns the trace identifier.
func (t *Info) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traceID
}

// Status returns the current pipeline status.
func (t *Info) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Completed reports whether Complete has been called.
func (t *Info) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.endTime.IsZero()
}

// StartNode registers a running record for the node, overwriting any prior
// record for the same id. Node re-entry is not supported.
func (t *Info) StartNode(nodeID, nodeType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.nodes[nodeID]; !seen {
		t.nodeOrder = append(t.nodeOrder, nodeID)
	}
	t.nodes[nodeID] = &NodeRecord{
		NodeID:    nodeID,
		NodeType:  nodeType,
		StartTime: time.Now(),
		Status:    StatusRunning,
		Details:   make(map[string]any),
	}
}

// EndNode stamps the end time and final status of a node record. Extra
// details, if any, are merged into the record. Calling EndNode for a node
// that was never started is a no-op.
func (t *Info) EndNode(nodeID, status string, outputCount int, details map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	rec.EndTime = time.Now()
	rec.Status = status
	rec.OutputCount = outputCount
	for k, v := range details {
		rec.Details[k] = v
	}
}

// SetNodeInputCount records how many input candidates the node received.
func (t *Info) SetNodeInputCount(nodeID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.nodes[nodeID]; ok {
		rec.InputCount = count
	}
}

// AddNodeDetail attaches a key/value detail to a started node record.
func (t *Info) AddNodeDetail(nodeID, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.nodes[nodeID]; ok {
		rec.Details[key] = value
	}
}

// AddError appends an error entry and, when the node has a record, moves it
// to StatusError. A node may accumulate multiple entries.
func (t *Info) AddError(nodeID, message, kind string) {
	if kind == "" {
		kind = KindNodeError
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, ErrorEntry{
		Time:    time.Now(),
		NodeID:  nodeID,
		Kind:    kind,
		Message: message,
	})
	if rec, ok := t.nodes[nodeID]; ok {
		rec.Status = StatusError
	}
}

// SetGlobal stores a request-level attribute (user id, scene, and so on)
// surfaced under the "global" key of ToMap.
func (t *Info) SetGlobal(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global[key] = value
}

// SetUserID records the requesting user on the trace. Zero means anonymous.
func (t *Info) SetUserID(userID int64) {
	t.SetGlobal("user_id", userID)
}

// Complete finalizes the trace with a terminal status. The first call wins;
// later calls are no-ops so an engine-level status is never overwritten by
// the facade (and vice versa).
func (t *Info) Complete(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.endTime.IsZero() {
		return
	}
	t.endTime = time.Now()
	t.status = status
}

// Node returns a copy of the record for the given node id.
func (t *Info) Node(nodeID string) (NodeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.nodes[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	cp := *rec
	cp.Details = make(map[string]any, len(rec.Details))
	for k, v := range rec.Details {
		cp.Details[k] = v
	}
	return cp, true
}

// Errors returns a copy of the recorded error entries.
func (t *Info) Errors() []ErrorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ErrorEntry, len(t.errors))
	copy(out, t.errors)
	return out
}

// NodeDuration reports how long a node ran. The second return is false when
// the node is unknown or still running.
func (t *Info) NodeDuration(nodeID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.nodes[nodeID]
	if !ok || rec.EndTime.IsZero() {
		return 0, false
	}
	return rec.EndTime.Sub(rec.StartTime), true
}

// Duration reports the total trace duration once Complete has been called.
func (t *Info) Duration() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime.IsZero() {
		return 0, false
	}
	return t.endTime.Sub(t.startTime), true
}

// ToMap serializes the trace for embedding in debug responses. Timestamps
// are formatted as RFC 3339 with nanoseconds; an unset end time is nil.
func (t *Info) ToMap() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	global := make(map[string]any, len(t.global)+4)
	for k, v := range t.global {
		global[k] = v
	}
	global["start_time"] = t.startTime.Format(time.RFC3339Nano)
	global["status"] = t.status
	if !t.endTime.IsZero() {
		global["end_time"] = t.endTime.Format(time.RFC3339Nano)
		global["duration_ms"] = t.endTime.Sub(t.startTime).Milliseconds()
	}

	nodes := make(map[string]any, len(t.nodes))
	for _, id := range t.nodeOrder {
		rec := t.nodes[id]
		details := make(map[string]any, len(rec.Details))
		for k, v := range rec.Details {
			details[k] = v
		}
		var end any
		if !rec.EndTime.IsZero() {
			end = rec.EndTime.Format(time.RFC3339Nano)
		}
		nodes[id] = map[string]any{
			"node_id":      rec.NodeID,
			"node_type":    rec.NodeType,
			"start_time":   rec.StartTime.Format(time.RFC3339Nano),
			"end_time":     end,
			"status":       rec.Status,
			"input_count":  rec.InputCount,
			"output_count": rec.OutputCount,
			"details":      details,
		}
	}

	errs := make([]any, len(t.errors))
	for i, e := range t.errors {
		errs[i] = map[string]any{
			"time":       e.Time.Format(time.RFC3339Nano),
			"node_id":    e.NodeID,
			"error_type": e.Kind,
			"error_msg":  e.Message,
		}
	}

	return map[string]any{
		"trace_id": t.traceID,
		"global":   global,
		"nodes":    nodes,
		"errors":   errs,
	}
}

// FromMap reconstructs an Info from a ToMap serialization. Every field is
// preserved except that timestamps go through canonical RFC 3339 formatting.
func FromMap(m map[string]any) (*Info, error) {
	id, _ := m["trace_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("trace: missing trace_id")
	}
	t := &Info{
		traceID: id,
		status:  StatusRunning,
		nodes:   make(map[string]*NodeRecord),
		global:  make(map[string]any),
	}

	if global, ok := m["global"].(map[string]any); ok {
		for k, v := range global {
			switch k {
			case "start_time":
				ts, err := parseTime(v)
				if err != nil {
					return nil, fmt.Errorf("trace: global start_time: %w", err)
				}
				t.startTime = ts
			case "end_time":
				if v == nil {
					continue
				}
				ts, err := parseTime(v)
				if err != nil {
					return nil, fmt.Errorf("trace: global end_time: %w", err)
				}
				t.endTime = ts
			case "status":
				if s, ok := v.(string); ok {
					t.status = s
				}
			case "duration_ms":
				// Derived value, recomputed from the timestamps.
			default:
				t.global[k] = v
			}
		}
	}

	if nodes, ok := m["nodes"].(map[string]any); ok {
		for nodeID, raw := range nodes {
			nm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("trace: node %q: not a map", nodeID)
			}
			rec := &NodeRecord{
				NodeID:  nodeID,
				Details: make(map[string]any),
			}
			if s, ok := nm["node_type"].(string); ok {
				rec.NodeType = s
			}
			if s, ok := nm["status"].(string); ok {
				rec.Status = s
			}
			if ts, err := parseTime(nm["start_time"]); err == nil {
				rec.StartTime = ts
			}
			if nm["end_time"] != nil {
				ts, err := parseTime(nm["end_time"])
				if err != nil {
					return nil, fmt.Errorf("trace: node %q end_time: %w", nodeID, err)
				}
				rec.EndTime = ts
			}
			rec.InputCount = intValue(nm["input_count"])
			rec.OutputCount = intValue(nm["output_count"])
			if details, ok := nm["details"].(map[string]any); ok {
				for k, v := range details {
					rec.Details[k] = v
				}
			}
			t.nodes[nodeID] = rec
			t.nodeOrder = append(t.nodeOrder, nodeID)
		}
	}

	if errs, ok := m["errors"].([]any); ok {
		for i, raw := range errs {
			em, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("trace: error entry %d: not a map", i)
			}
			entry := ErrorEntry{}
			if ts, err := parseTime(em["time"]); err == nil {
				entry.Time = ts
			}
			entry.NodeID, _ = em["node_id"].(string)
			entry.Kind, _ = em["error_type"].(string)
			entry.Message, _ = em["error_msg"].(string)
			t.errors = append(t.errors, entry)
		}
	}

	return t, nil
}

// parseTime accepts the RFC 3339 strings ToMap emits.
func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a timestamp string: %T", v)
	}
	return time.Parse(time.RFC3339Nano, s)
}

// intValue coerces JSON-decoded numbers, which arrive as float64.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

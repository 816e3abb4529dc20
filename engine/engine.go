// Package engine executes recommendation DAGs.
//
// An Engine binds one graph definition to instantiated nodes. Execution is
// a serial depth-first walk from the entry nodes: a node runs only after
// every upstream dependency has produced its output, receives those outputs
// as an inputs map in edge-declaration order, and hands its own output to
// each downstream target. Node failures degrade per the SafeProcess
// contract and never abort a run; only engine-level faults (a missing node,
// a back edge, cancellation) do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/graph"
	"github.com/plover-labs/feedflow/registry"
	"github.com/plover-labs/feedflow/trace"
)

// Engine errors.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrCycleDetected = errors.New("cycle detected")
	ErrCanceled      = errors.New("run canceled")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for node lifecycle logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventHandler registers a handler invoked for every execution event.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) {
		e.events = h
	}
}

// Engine executes one graph definition. It is immutable after New and safe
// for concurrent Execute calls; all per-request state lives in the
// RequestContext and the traversal-local runState.
type Engine struct {
	def    *graph.Definition
	nodes  map[string]core.Node
	logger *slog.Logger
	events EventHandler
}

// New validates the definition against the registry, instantiates every
// declared node, and returns an executable engine. A nil registry means
// the global one.
func New(def *graph.Definition, reg *registry.Registry, opts ...Option) (*Engine, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", graph.ErrInvalidDefinition)
	}
	if reg == nil {
		reg = registry.Global()
	}

	if diags := def.ValidateWithRegistry(reg); graph.HasErrors(diags) {
		msgs := make([]string, 0, len(diags))
		for _, d := range graph.Errors(diags) {
			msgs = append(msgs, d.Code+": "+d.Message)
		}
		return nil, fmt.Errorf("%w: graph %q: %s", graph.ErrInvalidDefinition, def.ID, strings.Join(msgs, "; "))
	}

	nodes := make(map[string]core.Node, len(def.Nodes))
	for _, id := range def.NodeOrder {
		nd := def.Nodes[id]
		node, err := reg.NewNode(nd.Type, id, nd.Config, nd.Enabled)
		if err != nil {
			return nil, fmt.Errorf("graph %q: %w", def.ID, err)
		}
		nodes[id] = node
	}

	e := &Engine{
		def:    def,
		nodes:  nodes,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Definition returns the graph this engine executes.
func (e *Engine) Definition() *graph.Definition {
	return e.def
}

// runState tracks one Execute call's traversal.
type runState struct {
	results map[string]any
	visited map[string]bool
	pending map[string]bool
	runID   string
	start   time.Time
}

// Execute runs the graph for one request and returns every node's output
// keyed by node id.
//
// The request's trace is installed if absent and completed with status
// success on a clean traversal or error on an engine-level fault.
// Cancellation returns ErrCanceled and leaves the trace open so the caller
// can record its own outcome after a fallback.
func (e *Engine) Execute(ctx context.Context, rc *core.RequestContext) (map[string]any, error) {
	if rc == nil {
		rc = &core.RequestContext{}
	}
	if rc.Trace == nil {
		rc.Trace = trace.New()
	}
	rc.Trace.SetUserID(rc.UserID)

	runID := "run-" + uuid.NewString()
	st := &runState{
		results: make(map[string]any, len(e.def.NodeOrder)),
		visited: make(map[string]bool, len(e.def.NodeOrder)),
		pending: make(map[string]bool),
		runID:   runID,
		start:   time.Now(),
	}

	e.emit(NewEvent(EventRunStarted, runID, e.def.ID).
		WithPayload("graph", e.def.Name()).
		WithPayload("entry_count", len(e.def.EntryNodes)))
	e.logger.DebugContext(ctx, "run started",
		"graph", e.def.ID, "run", runID, "user", rc.UserID)

	var runErr error
	for _, id := range e.def.EntryNodes {
		if err := e.executeNode(ctx, id, rc, st); err != nil {
			runErr = err
			break
		}
	}

	finish := NewEvent(EventRunFinished, runID, e.def.ID).
		WithElapsed(time.Since(st.start))
	switch {
	case runErr == nil:
		rc.Trace.Complete(trace.StatusSuccess)
		finish = finish.WithPayload("status", "completed")
	case errors.Is(runErr, ErrCanceled):
		// The caller owns the trace outcome here: a fallback path may
		// still complete it as fallback.
		finish = finish.
			WithPayload("status", "canceled").
			WithPayload("error", runErr.Error())
	default:
		rc.Trace.Complete(trace.StatusError)
		finish = finish.
			WithPayload("status", "failed").
			WithPayload("error", runErr.Error())
	}
	e.emit(finish)

	if runErr != nil {
		e.logger.DebugContext(ctx, "run aborted",
			"graph", e.def.ID, "run", runID, "error", runErr)
		return nil, runErr
	}
	e.logger.DebugContext(ctx, "run finished",
		"graph", e.def.ID, "run", runID, "nodes", len(st.results))
	return st.results, nil
}

// executeNode resolves dependencies, runs one node, and recurses into its
// targets. Visited nodes return immediately; a node found on the current
// descent path means the edges loop back.
func (e *Engine) executeNode(ctx context.Context, id string, rc *core.RequestContext, st *runState) error {
	if st.visited[id] {
		return nil
	}
	if st.pending[id] {
		return fmt.Errorf("%w: back edge into %q", ErrCycleDetected, id)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	node, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	st.pending[id] = true
	defer delete(st.pending, id)

	incoming := e.def.Incoming(id)
	for _, src := range incoming {
		if st.visited[src] {
			continue
		}
		if err := e.executeNode(ctx, src, rc, st); err != nil {
			return err
		}
	}

	// Each consumer gets its own snapshot so siblings cannot mutate one
	// another's view of a shared upstream output.
	inputs := make(map[string]any, len(incoming))
	for _, src := range incoming {
		inputs[src] = snapshot(st.results[src])
	}
	var primary any
	if len(incoming) > 0 {
		primary = inputs[incoming[0]]
	}
	in := core.NodeInput{Primary: primary, Sources: inputs, Order: incoming}

	nodeCtx := rc.ForNode(e.def.ID, id, inputs)
	enabled := node.Enabled()

	nodeStart := time.Now()
	if enabled {
		e.emit(NewEvent(EventNodeStarted, st.runID, e.def.ID).
			WithNode(id, node.Kind()).
			WithPayload("input_count", in.Count()))
		e.logger.DebugContext(ctx, "node started",
			"graph", e.def.ID, "node", id, "type", node.TypeName(), "inputs", in.Count())
	}

	out, err := core.SafeProcess(ctx, node, nodeCtx, in)
	elapsed := time.Since(nodeStart)

	switch {
	case !enabled:
		e.emit(NewEvent(EventNodeSkipped, st.runID, e.def.ID).
			WithNode(id, node.Kind()).
			WithPayload("reason", "node_disabled"))
	case err != nil:
		e.emit(NewEvent(EventNodeFailed, st.runID, e.def.ID).
			WithNode(id, node.Kind()).
			WithElapsed(elapsed).
			WithPayload("error", err.Error()))
		e.logger.WarnContext(ctx, "node degraded",
			"graph", e.def.ID, "node", id, "type", node.TypeName(), "error", err)
	default:
		e.emit(NewEvent(EventNodeFinished, st.runID, e.def.ID).
			WithNode(id, node.Kind()).
			WithElapsed(elapsed).
			WithPayload("output_count", outputSize(out)))
		e.logger.DebugContext(ctx, "node finished",
			"graph", e.def.ID, "node", id, "type", node.TypeName(),
			"outputs", outputSize(out), "elapsed", elapsed)
	}

	if err != nil && requestCanceled(ctx, err) {
		return fmt.Errorf("%w: node %q: %v", ErrCanceled, id, err)
	}

	st.results[id] = out
	st.visited[id] = true

	for _, tgt := range e.def.Outgoing(id) {
		if err := e.executeNode(ctx, tgt, rc, st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events(ev)
	}
}

// snapshot guards a stored output against downstream mutation. Candidate
// lists are deep-copied per consumer; other shapes pass through.
func snapshot(v any) any {
	if cands, ok := v.([]*core.Candidate); ok {
		return core.CloneCandidates(cands)
	}
	return v
}

// requestCanceled reports whether a node error was really the request
// deadline firing mid-process.
func requestCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func outputSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case []*core.Candidate:
		return len(t)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return 1
}

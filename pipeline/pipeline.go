// Package pipeline is the recommendation façade: it owns the loaded
// graph set and turns one feed request into one engine run, a formatted
// item page, and a completed trace. Whatever goes wrong mid-run, the
// caller still gets a page; the façade degrades to a random recall
// before it gives up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/engine"
	"github.com/plover-labs/feedflow/graph"
	"github.com/plover-labs/feedflow/loader"
	"github.com/plover-labs/feedflow/nodes"
	"github.com/plover-labs/feedflow/trace"
)

const (
	// DefaultGraph is served when a request names no graph.
	DefaultGraph = "feed_rec"

	// DefaultTerminalNode is consulted when a definition names no
	// terminal node of its own.
	DefaultTerminalNode = "rerank"

	// DefaultCount and MaxCount bound the page size.
	DefaultCount = 5
	MaxCount     = 10
)

// ErrGraphNotFound reports a graph id that is not loaded in the runtime.
var ErrGraphNotFound = errors.New("pipeline: graph not found")

var errNoOutput = errors.New("pipeline: no node produced candidates")

// Request carries everything a single feed page needs.
type Request struct {
	UserID int64
	Count  int
	Offset int
	Scene  string
	Slot   string
	Device string
	Geo    string
	AB     string
	Debug  bool

	// Seed drives every randomized choice in the run; derive it from the
	// cursor token with SeedValue so pagination replays.
	Seed int64

	// Graph selects the definition to run; empty means DefaultGraph.
	Graph string

	// Trace, when set, is reused instead of minting a fresh recorder.
	Trace *trace.Info
}

// Result is one served page plus its run trace.
type Result struct {
	Items []nodes.FeedItem
	Trace *trace.Info
}

type loadedGraph struct {
	engine   *engine.Engine
	terminal string
}

// Runtime holds the engines built from a set of graph definitions and
// serves requests against them. The graph set can be swapped while
// requests are in flight; each request pins the engine it started with.
type Runtime struct {
	mu     sync.RWMutex
	graphs map[string]*loadedGraph

	logger    *slog.Logger
	events    engine.EventHandler
	formatter *nodes.ResponseFormat
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used by the runtime and its engines.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEventHandler wires an observer into every engine the runtime builds.
func WithEventHandler(h engine.EventHandler) Option {
	return func(r *Runtime) {
		r.events = h
	}
}

// New builds a runtime from already-loaded definitions. Definitions that
// fail engine construction are skipped with a warning so one broken
// graph cannot take the rest of the service down.
func New(defs []*graph.Definition, opts ...Option) *Runtime {
	r := &Runtime{
		graphs: map[string]*loadedGraph{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.formatter = nodes.NewResponseFormat("response_format", true, nodes.ResponseFormatConfig{
		GenerateReason:  true,
		IncludeTracking: true,
	})
	r.install(defs)
	return r
}

// NewFromDirectory loads every definition under dir and builds a runtime
// from them.
func NewFromDirectory(dir string, opts ...Option) (*Runtime, error) {
	r := New(nil, opts...)
	if err := r.ReloadDirectory(dir); err != nil {
		return nil, err
	}
	return r, nil
}

// ReloadDirectory re-reads every definition under dir and swaps the
// runtime's graph set atomically. Invalid files are skipped by the
// loader; definitions that no longer build are dropped with a warning.
func (r *Runtime) ReloadDirectory(dir string) error {
	defs, err := loader.LoadDirectory(dir, r.logger)
	if err != nil {
		return err
	}
	r.install(defs)
	return nil
}

func (r *Runtime) install(defs []*graph.Definition) {
	graphs := make(map[string]*loadedGraph, len(defs))
	for _, def := range defs {
		engOpts := []engine.Option{engine.WithLogger(r.logger)}
		if r.events != nil {
			engOpts = append(engOpts, engine.WithEventHandler(r.events))
		}
		eng, err := engine.New(def, nil, engOpts...)
		if err != nil {
			r.logger.Warn("skipping graph", "graph", def.ID, "error", err)
			continue
		}
		terminal := def.TerminalNode
		if terminal == "" {
			terminal = DefaultTerminalNode
		}
		graphs[def.ID] = &loadedGraph{engine: eng, terminal: terminal}
	}

	r.mu.Lock()
	r.graphs = graphs
	r.mu.Unlock()
}

func (r *Runtime) lookup(id string) (*loadedGraph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lg, ok := r.graphs[id]
	return lg, ok
}

// Graphs lists the loaded graph ids in sorted order.
func (r *Runtime) Graphs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EngineFor returns the engine loaded for a graph id.
func (r *Runtime) EngineFor(id string) (*engine.Engine, error) {
	lg, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGraphNotFound, id)
	}
	return lg.engine, nil
}

// GetRecommendedItems serves one feed page: it opens a request
// transaction on the gateway, runs the selected graph, formats the
// terminal output, and commits. Any failure along the way — unknown
// graph, engine error, cancellation, empty output — degrades to a
// random-recall page instead of an error; only a failure of the
// degraded path itself surfaces to the caller.
func (r *Runtime) GetRecommendedItems(ctx context.Context, gw core.DataGateway, req Request) (*Result, error) {
	tr := req.Trace
	if tr == nil {
		tr = trace.New()
	}
	tr.SetUserID(req.UserID)

	count := req.Count
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	graphID := req.Graph
	if graphID == "" {
		graphID = DefaultGraph
	}

	rc := &core.RequestContext{
		Gateway: gw,
		UserID:  req.UserID,
		Count:   count,
		Offset:  req.Offset,
		Scene:   req.Scene,
		Slot:    req.Slot,
		Device:  req.Device,
		Geo:     req.Geo,
		AB:      req.AB,
		Debug:   req.Debug,
		Seed:    req.Seed,
		Trace:   tr,
	}

	lg, ok := r.lookup(graphID)
	if !ok {
		r.logger.WarnContext(ctx, "graph not found, serving fallback", "graph", graphID)
		tr.SetGlobal("dag_not_found", graphID)
		return r.fallback(ctx, rc, count)
	}

	items, err := r.runGraph(ctx, lg, rc, count)
	if err != nil {
		r.logger.WarnContext(ctx, "run degraded to fallback", "graph", graphID, "error", err)
		return r.fallback(ctx, rc, count)
	}
	return &Result{Items: items, Trace: tr}, nil
}

func (r *Runtime) runGraph(ctx context.Context, lg *loadedGraph, rc *core.RequestContext, count int) ([]nodes.FeedItem, error) {
	if err := rc.Gateway.Begin(ctx); err != nil {
		return nil, fmt.Errorf("begin request transaction: %w", err)
	}

	results, err := lg.engine.Execute(ctx, rc)
	if err != nil {
		return nil, err
	}

	out, ok := selectOutput(results, lg)
	if !ok {
		return nil, errNoOutput
	}

	var items []nodes.FeedItem
	switch v := out.(type) {
	case []nodes.FeedItem:
		items = v
	case []*core.Candidate:
		items, err = r.formatCandidates(ctx, rc, v)
		if err != nil {
			return nil, err
		}
	}

	// A degraded node already rolled the transaction back; committing a
	// poisoned gateway would start from stale state, so skip it. The
	// request is read-only and loses nothing.
	if !rc.Gateway.Poisoned() {
		if err := rc.Gateway.Commit(ctx); err != nil {
			r.logger.WarnContext(ctx, "commit failed after run", "graph", lg.engine.Definition().ID, "error", err)
		}
	}
	return trimItems(items, count), nil
}

// selectOutput picks the run's result: the terminal node's output when
// it is non-empty, otherwise the last node in document order holding a
// non-empty candidate list.
func selectOutput(results map[string]any, lg *loadedGraph) (any, bool) {
	if out, ok := results[lg.terminal]; ok {
		if items, isFeed := out.([]nodes.FeedItem); isFeed && len(items) > 0 {
			return items, true
		}
		if cands, isCands := core.AsCandidates(out); isCands && len(cands) > 0 {
			return cands, true
		}
	}

	order := lg.engine.Definition().NodeOrder
	for i := len(order) - 1; i >= 0; i-- {
		out, ok := results[order[i]]
		if !ok {
			continue
		}
		if cands, isCands := core.AsCandidates(out); isCands && len(cands) > 0 {
			return cands, true
		}
	}
	return nil, false
}

func (r *Runtime) formatCandidates(ctx context.Context, rc *core.RequestContext, cands []*core.Candidate) ([]nodes.FeedItem, error) {
	out, err := r.formatter.Process(ctx, rc, core.NodeInput{Primary: cands})
	if err != nil {
		return nil, fmt.Errorf("format response: %w", err)
	}
	items, ok := out.([]nodes.FeedItem)
	if !ok {
		return nil, fmt.Errorf("format response: unexpected output %T", out)
	}
	return items, nil
}

// fallback serves the degraded page: a fresh transaction, one random
// recall sized to the request, formatted the usual way. The run trace
// completes as fallback unless the engine already stamped it; a failure
// of the fallback itself completes the trace as error and surfaces.
func (r *Runtime) fallback(ctx context.Context, rc *core.RequestContext, count int) (*Result, error) {
	tr := rc.Trace

	// The request context may already be canceled — that is one of the
	// paths that lands here — so the degraded read runs detached.
	dctx := context.WithoutCancel(ctx)

	// Best effort: the failed run may have left its transaction open.
	_ = rc.Gateway.Rollback(dctx)

	if err := rc.Gateway.Begin(dctx); err != nil {
		tr.Complete(trace.StatusError)
		return &Result{Items: []nodes.FeedItem{}, Trace: tr}, fmt.Errorf("fallback begin: %w", err)
	}

	rnd := nodes.NewRandomRecall("random_fallback", true, nodes.RandomRecallConfig{RecallSize: count})
	out, err := core.SafeProcess(dctx, rnd, rc, core.NodeInput{})
	if err != nil {
		tr.Complete(trace.StatusError)
		return &Result{Items: []nodes.FeedItem{}, Trace: tr}, fmt.Errorf("fallback recall: %w", err)
	}
	cands, _ := core.AsCandidates(out)

	items, err := r.formatCandidates(dctx, rc, cands)
	if err != nil {
		tr.Complete(trace.StatusError)
		return &Result{Items: []nodes.FeedItem{}, Trace: tr}, err
	}

	if !rc.Gateway.Poisoned() {
		if err := rc.Gateway.Commit(dctx); err != nil {
			r.logger.WarnContext(ctx, "commit failed after fallback", "error", err)
		}
	}

	tr.Complete(trace.StatusFallback)
	return &Result{Items: trimItems(items, count), Trace: tr}, nil
}

func trimItems(items []nodes.FeedItem, count int) []nodes.FeedItem {
	if items == nil {
		return []nodes.FeedItem{}
	}
	if count > 0 && len(items) > count {
		return items[:count]
	}
	return items
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/graph"
	"github.com/plover-labs/feedflow/registry"
	"github.com/plover-labs/feedflow/trace"
)

// stubNode runs a scripted function so tests can observe traversal order,
// inputs and degradation without real recall stages.
type stubNode struct {
	core.BaseNode
	fn   func(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error)
	runs *int
}

func (n *stubNode) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	if n.runs != nil {
		*n.runs++
	}
	return n.fn(ctx, rc, in)
}

type nodeScript struct {
	kind core.NodeKind
	fn   func(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error)
	runs *int
}

// emitScript returns a script that outputs a fixed candidate list.
func emitScript(kind core.NodeKind, out []*core.Candidate) nodeScript {
	return nodeScript{kind: kind, fn: func(context.Context, *core.RequestContext, core.NodeInput) (any, error) {
		return out, nil
	}}
}

// passScript returns a script that forwards its concatenated input.
func passScript(kind core.NodeKind) nodeScript {
	return nodeScript{kind: kind, fn: func(_ context.Context, _ *core.RequestContext, in core.NodeInput) (any, error) {
		return in.Candidates(), nil
	}}
}

// scriptRegistry registers a single "script" type whose factory looks up
// the per-node behavior by node id.
func scriptRegistry(scripts map[string]nodeScript) *registry.Registry {
	reg := registry.New()
	reg.MustRegister(registry.NodeTypeDef{
		Type:        "script",
		Kind:        core.NodeKindTransform,
		Description: "scripted test node",
		New: func(id string, cfg map[string]any, enabled bool) (core.Node, error) {
			sc, ok := scripts[id]
			if !ok {
				return nil, fmt.Errorf("no script for node %q", id)
			}
			return &stubNode{
				BaseNode: core.NewBaseNode(id, sc.kind, "script", enabled),
				fn:       sc.fn,
				runs:     sc.runs,
			}, nil
		},
	})
	return reg
}

func mustDef(t *testing.T, doc string) *graph.Definition {
	t.Helper()
	def, err := graph.ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("parsing definition: %v", err)
	}
	def.ID = "test_graph"
	return def
}

func cands(ids ...int64) []*core.Candidate {
	out := make([]*core.Candidate, len(ids))
	for i, id := range ids {
		out[i] = &core.Candidate{ID: id, Kind: core.ItemKindContent, MatchScore: 1.0}
	}
	return out
}

func candIDs(v any) []int64 {
	list, ok := core.AsCandidates(v)
	if !ok {
		return nil
	}
	ids := make([]int64, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids
}

func TestNew_NilDefinition(t *testing.T) {
	_, err := New(nil, registry.New())
	if !errors.Is(err, graph.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestNew_RejectsInvalidDefinition(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}},
		"edges": {"a": ["ghost"]}
	}`)
	reg := scriptRegistry(map[string]nodeScript{"a": passScript(core.NodeKindRecall)})

	_, err := New(def, reg)
	if !errors.Is(err, graph.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if !strings.Contains(err.Error(), "DG-001") {
		t.Errorf("expected diagnostic code in error, got %q", err.Error())
	}
}

func TestNew_FactoryErrorAborts(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}}
	}`)
	reg := scriptRegistry(map[string]nodeScript{}) // no script for "a"

	_, err := New(def, reg)
	if err == nil {
		t.Fatal("expected factory error")
	}
	if !strings.Contains(err.Error(), `"a"`) {
		t.Errorf("error should name the failing node, got %q", err.Error())
	}
}

func TestExecute_LinearChain(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["source"],
		"nodes": {
			"source": {"type": "script"},
			"sink": {"type": "script"}
		},
		"edges": {"source": ["sink"]}
	}`)

	var sinkIn core.NodeInput
	scripts := map[string]nodeScript{
		"source": emitScript(core.NodeKindRecall, cands(1, 2, 3)),
		"sink": {kind: core.NodeKindFilter, fn: func(_ context.Context, _ *core.RequestContext, in core.NodeInput) (any, error) {
			sinkIn = in
			return in.Candidates()[:1], nil
		}},
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc := &core.RequestContext{Trace: trace.New()}
	results, err := eng.Execute(context.Background(), rc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := candIDs(results["source"]); len(got) != 3 {
		t.Errorf("expected 3 source outputs, got %v", got)
	}
	if got := candIDs(results["sink"]); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected sink output [1], got %v", got)
	}

	if len(sinkIn.Order) != 1 || sinkIn.Order[0] != "source" {
		t.Errorf("expected sink input order [source], got %v", sinkIn.Order)
	}
	if got := candIDs(sinkIn.Primary); len(got) != 3 {
		t.Errorf("expected primary to carry all source candidates, got %v", got)
	}

	if rc.Trace.Status() != trace.StatusSuccess {
		t.Errorf("expected trace status success, got %q", rc.Trace.Status())
	}
}

func TestExecute_JoinEdgeOrder(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["s1", "s2"],
		"nodes": {
			"s1": {"type": "script"},
			"s2": {"type": "script"},
			"join": {"type": "script"}
		},
		"edges": {"s1": ["join"], "s2": ["join"]}
	}`)

	var joinIn core.NodeInput
	scripts := map[string]nodeScript{
		"s1": emitScript(core.NodeKindRecall, cands(1)),
		"s2": emitScript(core.NodeKindRecall, cands(2)),
		"join": {kind: core.NodeKindBlend, fn: func(_ context.Context, _ *core.RequestContext, in core.NodeInput) (any, error) {
			joinIn = in
			return in.Candidates(), nil
		}},
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Execute(context.Background(), &core.RequestContext{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"s1", "s2"}
	if len(joinIn.Order) != 2 || joinIn.Order[0] != want[0] || joinIn.Order[1] != want[1] {
		t.Fatalf("expected input order %v, got %v", want, joinIn.Order)
	}
	if got := candIDs(joinIn.Primary); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected primary from first edge (s1), got %v", got)
	}
	if got := candIDs(joinIn.Sources["s2"]); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected s2 input [2], got %v", got)
	}
}

func TestExecute_ResolvesNonEntryDependency(t *testing.T) {
	// s2 is not an entry node; the walk into join must execute it first.
	def := mustDef(t, `{
		"entry_nodes": ["s1"],
		"nodes": {
			"s1": {"type": "script"},
			"s2": {"type": "script"},
			"join": {"type": "script"}
		},
		"edges": {"s1": ["join"], "s2": ["join"]}
	}`)

	var s2Runs int
	scripts := map[string]nodeScript{
		"s1":   emitScript(core.NodeKindRecall, cands(1)),
		"s2":   {kind: core.NodeKindRecall, runs: &s2Runs, fn: passScript(core.NodeKindRecall).fn},
		"join": passScript(core.NodeKindBlend),
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := eng.Execute(context.Background(), &core.RequestContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if s2Runs != 1 {
		t.Errorf("expected s2 to run once, ran %d times", s2Runs)
	}
	if _, ok := results["join"]; !ok {
		t.Error("expected join output in results")
	}
}

func TestExecute_DiamondRunsSharedNodeOnce(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["root"],
		"nodes": {
			"root": {"type": "script"},
			"left": {"type": "script"},
			"right": {"type": "script"},
			"join": {"type": "script"}
		},
		"edges": {
			"root": ["left", "right"],
			"left": ["join"],
			"right": ["join"]
		}
	}`)

	var rootRuns, joinRuns int
	scripts := map[string]nodeScript{
		"root":  {kind: core.NodeKindRecall, runs: &rootRuns, fn: emitScript(core.NodeKindRecall, cands(1, 2)).fn},
		"left":  passScript(core.NodeKindFilter),
		"right": passScript(core.NodeKindFilter),
		"join":  {kind: core.NodeKindBlend, runs: &joinRuns, fn: passScript(core.NodeKindBlend).fn},
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := eng.Execute(context.Background(), &core.RequestContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rootRuns != 1 {
		t.Errorf("expected root to run once, ran %d times", rootRuns)
	}
	if joinRuns != 1 {
		t.Errorf("expected join to run once, ran %d times", joinRuns)
	}
	if got := candIDs(results["join"]); len(got) != 4 {
		t.Errorf("expected join to see both branches (4 candidates), got %v", got)
	}
}

func TestExecute_NodeFailureDegrades(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["source"],
		"nodes": {
			"source": {"type": "script"},
			"ranker": {"type": "script"},
			"sink": {"type": "script"}
		},
		"edges": {"source": ["ranker"], "ranker": ["sink"]}
	}`)

	boom := errors.New("model backend down")
	scripts := map[string]nodeScript{
		"source": emitScript(core.NodeKindRecall, cands(1, 2)),
		"ranker": {kind: core.NodeKindRank, fn: func(context.Context, *core.RequestContext, core.NodeInput) (any, error) {
			return nil, boom
		}},
		"sink": passScript(core.NodeKindFilter),
	}

	var failed []Event
	eng, err := New(def, scriptRegistry(scripts), WithEventHandler(func(e Event) {
		if e.Kind == EventNodeFailed {
			failed = append(failed, e)
		}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc := &core.RequestContext{Trace: trace.New()}
	results, err := eng.Execute(context.Background(), rc)
	if err != nil {
		t.Fatalf("a node failure must not abort the run, got %v", err)
	}

	// The ranker degrades to its unprocessed input and the sink still runs.
	if got := candIDs(results["ranker"]); len(got) != 2 {
		t.Errorf("expected degraded ranker output [1 2], got %v", got)
	}
	if got := candIDs(results["sink"]); len(got) != 2 {
		t.Errorf("expected sink to process degraded output, got %v", got)
	}

	if rc.Trace.Status() != trace.StatusSuccess {
		t.Errorf("expected trace status success, got %q", rc.Trace.Status())
	}
	rec, ok := rc.Trace.Node("ranker")
	if !ok || rec.Status != trace.StatusError {
		t.Errorf("expected ranker node record status error, got %+v", rec)
	}
	errs := rc.Trace.Errors()
	if len(errs) != 1 || errs[0].Kind != trace.KindNodeError {
		t.Fatalf("expected one node_error entry, got %+v", errs)
	}

	if len(failed) != 1 || failed[0].NodeID != "ranker" {
		t.Fatalf("expected one node_failed event for ranker, got %+v", failed)
	}
	if failed[0].Payload["error"] != boom.Error() {
		t.Errorf("expected error payload %q, got %v", boom.Error(), failed[0].Payload["error"])
	}
}

func TestExecute_DisabledNodeSkipped(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["source"],
		"nodes": {
			"source": {"type": "script"},
			"off": {"type": "script", "enabled": false}
		},
		"edges": {"source": ["off"]}
	}`)

	scripts := map[string]nodeScript{
		"source": emitScript(core.NodeKindRecall, cands(7, 8)),
		"off": {kind: core.NodeKindFilter, fn: func(context.Context, *core.RequestContext, core.NodeInput) (any, error) {
			return []*core.Candidate{}, nil // must never run
		}},
	}

	var skipped []Event
	eng, err := New(def, scriptRegistry(scripts), WithEventHandler(func(e Event) {
		if e.Kind == EventNodeSkipped {
			skipped = append(skipped, e)
		}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc := &core.RequestContext{Trace: trace.New()}
	results, err := eng.Execute(context.Background(), rc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := candIDs(results["off"]); len(got) != 2 || got[0] != 7 {
		t.Errorf("expected disabled node to pass primary through, got %v", got)
	}
	rec, ok := rc.Trace.Node("off")
	if !ok || rec.Status != trace.StatusSkipped {
		t.Errorf("expected skipped node record, got %+v", rec)
	}
	if len(skipped) != 1 || skipped[0].Payload["reason"] != "node_disabled" {
		t.Errorf("expected one node_skipped event with reason, got %+v", skipped)
	}
}

func TestExecute_SiblingSnapshotIsolation(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["root"],
		"nodes": {
			"root": {"type": "script"},
			"greedy": {"type": "script"},
			"honest": {"type": "script"}
		},
		"edges": {"root": ["greedy", "honest"]}
	}`)

	var honestScore float64
	scripts := map[string]nodeScript{
		"root": emitScript(core.NodeKindRecall, cands(1)),
		"greedy": {kind: core.NodeKindRank, fn: func(_ context.Context, _ *core.RequestContext, in core.NodeInput) (any, error) {
			list := in.Candidates()
			list[0].MatchScore = 99 // mutates its own snapshot only
			return list, nil
		}},
		"honest": {kind: core.NodeKindRank, fn: func(_ context.Context, _ *core.RequestContext, in core.NodeInput) (any, error) {
			honestScore = in.Candidates()[0].MatchScore
			return in.Candidates(), nil
		}},
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := eng.Execute(context.Background(), &core.RequestContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if honestScore != 1.0 {
		t.Errorf("sibling saw mutated input: score %v, want 1.0", honestScore)
	}
	root, _ := core.AsCandidates(results["root"])
	if root[0].MatchScore != 1.0 {
		t.Errorf("stored root output was mutated: score %v, want 1.0", root[0].MatchScore)
	}
}

func TestExecute_CancellationAbortsRun(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["slow"],
		"nodes": {
			"slow": {"type": "script"},
			"after": {"type": "script"}
		},
		"edges": {"slow": ["after"]}
	}`)

	var afterRuns int
	scripts := map[string]nodeScript{
		"slow": {kind: core.NodeKindRecall, fn: func(ctx context.Context, _ *core.RequestContext, _ core.NodeInput) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		"after": {kind: core.NodeKindFilter, runs: &afterRuns, fn: passScript(core.NodeKindFilter).fn},
	}

	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	rc := &core.RequestContext{Trace: trace.New()}
	results, err := eng.Execute(ctx, rc)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results on cancellation, got %v", results)
	}
	if afterRuns != 0 {
		t.Errorf("downstream node must not run after cancellation, ran %d times", afterRuns)
	}

	// The trace stays open so a fallback path can still complete it.
	if rc.Trace.Completed() {
		t.Error("expected trace to remain open after cancellation")
	}
	rec, ok := rc.Trace.Node("slow")
	if !ok || rec.Status != trace.StatusError {
		t.Errorf("expected slow node record status error, got %+v", rec)
	}
	errs := rc.Trace.Errors()
	if len(errs) != 1 || errs[0].Kind != trace.KindCancellation {
		t.Fatalf("expected one cancellation entry, got %+v", errs)
	}
}

func TestExecute_NodeNotFound(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}, "b": {"type": "script"}},
		"edges": {"a": ["b"]}
	}`)
	scripts := map[string]nodeScript{
		"a": emitScript(core.NodeKindRecall, cands(1)),
		"b": passScript(core.NodeKindFilter),
	}
	eng, err := New(def, scriptRegistry(scripts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	delete(eng.nodes, "b")

	rc := &core.RequestContext{Trace: trace.New()}
	_, err = eng.Execute(context.Background(), rc)
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if rc.Trace.Status() != trace.StatusError {
		t.Errorf("expected trace status error, got %q", rc.Trace.Status())
	}
}

func TestExecute_BackEdgeGuard(t *testing.T) {
	// A cyclic definition never passes New, so build the engine by hand.
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}, "b": {"type": "script"}},
		"edges": {"a": ["b"], "b": ["a"]}
	}`)
	eng := &Engine{
		def: def,
		nodes: map[string]core.Node{
			"a": &stubNode{BaseNode: core.NewBaseNode("a", core.NodeKindRecall, "script", true), fn: passScript(core.NodeKindRecall).fn},
			"b": &stubNode{BaseNode: core.NewBaseNode("b", core.NodeKindFilter, "script", true), fn: passScript(core.NodeKindFilter).fn},
		},
		logger: slog.Default(),
	}

	rc := &core.RequestContext{Trace: trace.New()}
	_, err := eng.Execute(context.Background(), rc)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if rc.Trace.Status() != trace.StatusError {
		t.Errorf("expected trace status error, got %q", rc.Trace.Status())
	}
}

func TestExecute_InstallsTraceAndUserID(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}}
	}`)
	eng, err := New(def, scriptRegistry(map[string]nodeScript{
		"a": emitScript(core.NodeKindRecall, cands(1)),
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc := &core.RequestContext{UserID: 42}
	if _, err := eng.Execute(context.Background(), rc); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rc.Trace == nil {
		t.Fatal("expected Execute to install a trace")
	}
	global := rc.Trace.ToMap()["global"].(map[string]any)
	if global["user_id"] != int64(42) {
		t.Errorf("expected user_id 42 on trace, got %v", global["user_id"])
	}

	// A caller-supplied trace is reused, not replaced.
	tr := trace.New()
	rc2 := &core.RequestContext{Trace: tr}
	if _, err := eng.Execute(context.Background(), rc2); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rc2.Trace != tr {
		t.Error("expected caller trace to be reused")
	}
}

func TestExecute_EventSequence(t *testing.T) {
	def := mustDef(t, `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "script"}, "b": {"type": "script"}},
		"edges": {"a": ["b"]}
	}`)

	var events []Event
	eng, err := New(def, scriptRegistry(map[string]nodeScript{
		"a": emitScript(core.NodeKindRecall, cands(1, 2)),
		"b": passScript(core.NodeKindFilter),
	}), WithEventHandler(func(e Event) { events = append(events, e) }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Execute(context.Background(), &core.RequestContext{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantKinds := []EventKind{
		EventRunStarted,
		EventNodeStarted, EventNodeFinished, // a
		EventNodeStarted, EventNodeFinished, // b
		EventRunFinished,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantKinds), len(events), events)
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Errorf("event %d: expected kind %q, got %q", i, want, events[i].Kind)
		}
	}

	runID := events[0].RunID
	if !strings.HasPrefix(runID, "run-") {
		t.Errorf("expected run- prefixed run id, got %q", runID)
	}
	for i, e := range events {
		if e.RunID != runID {
			t.Errorf("event %d: run id %q, want %q", i, e.RunID, runID)
		}
		if e.GraphID != "test_graph" {
			t.Errorf("event %d: graph id %q, want test_graph", i, e.GraphID)
		}
	}

	finished := events[2]
	if finished.NodeID != "a" || finished.Payload["output_count"] != 2 {
		t.Errorf("expected node_finished for a with output_count 2, got %+v", finished)
	}
	last := events[len(events)-1]
	if last.Payload["status"] != "completed" {
		t.Errorf("expected run_finished status completed, got %v", last.Payload["status"])
	}
}

func TestMultiEventHandler(t *testing.T) {
	var a, b int
	h := MultiEventHandler(
		func(Event) { a++ },
		nil,
		func(Event) { b++ },
	)
	h(NewEvent(EventRunStarted, "run-1", "g"))
	h(NewEvent(EventRunFinished, "run-1", "g"))

	if a != 2 || b != 2 {
		t.Errorf("expected both handlers called twice, got a=%d b=%d", a, b)
	}
}

func TestChannelEventHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	h := ChannelEventHandler(ch)

	h(NewEvent(EventRunStarted, "run-1", "g"))
	h(NewEvent(EventRunFinished, "run-1", "g")) // dropped, channel full

	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
	got := <-ch
	if got.Kind != EventRunStarted {
		t.Errorf("expected first event to survive, got %q", got.Kind)
	}
}

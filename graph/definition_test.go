package graph

import (
	"errors"
	"testing"
)

const feedDoc = `{
  "dag": {"name": "feed_rec", "description": "main feed"},
  "entry_nodes": ["random_recall", "tag_recall"],
  "nodes": {
    "random_recall": {"type": "random_recall", "recall_size": 50},
    "tag_recall": {"type": "tag_recall", "enabled": false},
    "snake_merge": {"type": "snake_merge"},
    "rerank": {"type": "rerank"}
  },
  "edges": {
    "random_recall": ["snake_merge"],
    "tag_recall": ["snake_merge"],
    "snake_merge": ["rerank"]
  },
  "terminal_node": "rerank"
}`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(feedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if def.Meta["name"] != "feed_rec" {
		t.Errorf("meta name = %v, want feed_rec", def.Meta["name"])
	}
	if def.Name() != "feed_rec" {
		t.Errorf("Name() = %q, want feed_rec", def.Name())
	}
	if len(def.EntryNodes) != 2 || def.EntryNodes[0] != "random_recall" {
		t.Errorf("entry nodes = %v, want [random_recall tag_recall]", def.EntryNodes)
	}
	if def.TerminalNode != "rerank" {
		t.Errorf("terminal node = %q, want rerank", def.TerminalNode)
	}
	if len(def.Nodes) != 4 {
		t.Fatalf("node count = %d, want 4", len(def.Nodes))
	}

	rr := def.Nodes["random_recall"]
	if rr.Type != "random_recall" {
		t.Errorf("type = %q, want random_recall", rr.Type)
	}
	if !rr.Enabled {
		t.Error("enabled should default to true")
	}
	if rr.Config["recall_size"] != float64(50) {
		t.Errorf("config recall_size = %v, want 50", rr.Config["recall_size"])
	}
	if _, leaked := rr.Config["type"]; leaked {
		t.Error("type key must not leak into config")
	}

	if def.Nodes["tag_recall"].Enabled {
		t.Error("enabled: false should be honored")
	}
}

func TestParseDefinition_PreservesDocumentOrder(t *testing.T) {
	// Deliberately non-alphabetical ids: map iteration would scramble them.
	doc := `{
      "entry_nodes": ["z"],
      "nodes": {"z": {"type": "t"}, "a": {"type": "t"}, "m": {"type": "t"}},
      "edges": {"z": ["a"], "m": ["a"], "a": []}
    }`
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wantNodes := []string{"z", "a", "m"}
	for i, id := range wantNodes {
		if def.NodeOrder[i] != id {
			t.Fatalf("node order = %v, want %v", def.NodeOrder, wantNodes)
		}
	}
	wantEdges := []string{"z", "m", "a"}
	for i, id := range wantEdges {
		if def.EdgeOrder[i] != id {
			t.Fatalf("edge order = %v, want %v", def.EdgeOrder, wantEdges)
		}
	}
}

func TestDefinition_Incoming(t *testing.T) {
	def, err := ParseDefinition([]byte(feedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := def.Incoming("snake_merge")
	if len(in) != 2 || in[0] != "random_recall" || in[1] != "tag_recall" {
		t.Errorf("incoming = %v, want [random_recall tag_recall] in edge order", in)
	}
	if in := def.Incoming("random_recall"); len(in) != 0 {
		t.Errorf("incoming for an entry = %v, want none", in)
	}
}

func TestDefinition_Outgoing(t *testing.T) {
	def, err := ParseDefinition([]byte(feedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := def.Outgoing("snake_merge")
	if len(out) != 1 || out[0] != "rerank" {
		t.Errorf("outgoing = %v, want [rerank]", out)
	}
	out[0] = "mutated"
	if def.Edges["snake_merge"][0] != "rerank" {
		t.Error("Outgoing must return a copy")
	}
	if def.Outgoing("rerank") != nil {
		t.Error("leaf outgoing should be nil")
	}
}

func TestDefinition_NameFallsBackToID(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"entry_nodes": ["a"], "nodes": {"a": {"type": "t"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def.ID = "from_file"
	if def.Name() != "from_file" {
		t.Errorf("Name() = %q, want the graph id", def.Name())
	}
}

func TestParseDefinition_ToleratesUnknownKeys(t *testing.T) {
	doc := `{"schema_version": 2, "entry_nodes": ["a"], "nodes": {"a": {"type": "t"}}, "edges": {}}`
	if _, err := ParseDefinition([]byte(doc)); err != nil {
		t.Fatalf("unknown top-level keys should be skipped, got %v", err)
	}
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not an object", `["a"]`},
		{"nodes not an object", `{"nodes": []}`},
		{"edges wrong shape", `{"edges": {"a": "b"}}`},
		{"truncated", `{"nodes": {"a": {"type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

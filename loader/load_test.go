package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plover-labs/feedflow/graph"
)

const feedJSON = `{
	"dag": {"name": "home feed"},
	"entry_nodes": ["random_recall"],
	"nodes": {
		"random_recall": {"type": "random_recall", "recall_size": 50},
		"rerank": {"type": "rerank"}
	},
	"edges": {"random_recall": ["rerank"]},
	"terminal_node": "rerank"
}`

const feedYAML = `dag:
  name: home feed
entry_nodes:
  - random_recall
nodes:
  random_recall:
    type: random_recall
    recall_size: 50
  rerank:
    type: rerank
edges:
  random_recall:
    - rerank
terminal_node: rerank
`

func writeDef(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", name, err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeDef(t, t.TempDir(), "feed_home.json", feedJSON)

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "feed_home" {
		t.Errorf("ID = %q, want %q", def.ID, "feed_home")
	}
	if def.Name() != "home feed" {
		t.Errorf("Name() = %q, want %q", def.Name(), "home feed")
	}
	if len(def.Nodes) != 2 {
		t.Errorf("Nodes count = %d, want 2", len(def.Nodes))
	}
	if def.TerminalNode != "rerank" {
		t.Errorf("TerminalNode = %q, want %q", def.TerminalNode, "rerank")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeDef(t, t.TempDir(), "feed_home.yaml", feedYAML)

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "feed_home" {
		t.Errorf("ID = %q, want %q", def.ID, "feed_home")
	}

	nd, ok := def.Nodes["random_recall"]
	if !ok {
		t.Fatal("expected random_recall node")
	}
	if nd.Type != "random_recall" {
		t.Errorf("Type = %q, want random_recall", nd.Type)
	}
	// YAML numbers arrive as JSON numbers, same as the JSON path.
	if got := nd.Config["recall_size"]; got != float64(50) {
		t.Errorf("recall_size = %v (%T), want 50", got, got)
	}
}

func TestLoad_YAMLPreservesEdgeOrder(t *testing.T) {
	doc := `entry_nodes:
  - z_recall
  - a_recall
nodes:
  z_recall:
    type: random_recall
  a_recall:
    type: random_recall
  merge:
    type: snake_merge
edges:
  z_recall:
    - merge
  a_recall:
    - merge
`
	path := writeDef(t, t.TempDir(), "order.yaml", doc)

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Document order, not alphabetical: z_recall declared its edge first
	// and must stay the primary input of merge.
	in := def.Incoming("merge")
	if len(in) != 2 || in[0] != "z_recall" || in[1] != "a_recall" {
		t.Errorf("Incoming(merge) = %v, want [z_recall a_recall]", in)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	doc := `{
		"entry_nodes": ["random_recall"],
		"nodes": {"random_recall": {"type": "random_recall"}},
		"edges": {"random_recall": ["ghost"]}
	}`
	path := writeDef(t, t.TempDir(), "broken.json", doc)

	_, err := Load(path)
	var diagErr *DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("expected DiagnosticError, got %v", err)
	}
	if diagErr.GraphID != "broken" {
		t.Errorf("GraphID = %q, want %q", diagErr.GraphID, "broken")
	}
	errDiags := graph.Errors(diagErr.Diagnostics)
	if len(errDiags) == 0 {
		t.Fatal("expected at least one error diagnostic")
	}
	if errDiags[0].Code != "DG-001" {
		t.Errorf("diagnostic code = %q, want DG-001", errDiags[0].Code)
	}
}

func TestLoad_UnknownNodeType(t *testing.T) {
	doc := `{
		"entry_nodes": ["a"],
		"nodes": {"a": {"type": "teleport"}}
	}`
	path := writeDef(t, t.TempDir(), "unknown.json", doc)

	_, err := Load(path)
	var diagErr *DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("expected DiagnosticError, got %v", err)
	}
	found := false
	for _, d := range diagErr.Diagnostics {
		if d.Code == "DG-007" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DG-007 for unknown type, got %+v", diagErr.Diagnostics)
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeDef(t, t.TempDir(), "bad.json", `{"nodes": [`)

	_, err := Load(path)
	if !errors.Is(err, graph.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "feed_rec.json", feedJSON)
	writeDef(t, dir, "feed_video.yaml", feedYAML)
	writeDef(t, dir, "broken.json", `{"nodes": [`)
	writeDef(t, dir, "README.md", "not a graph")
	writeDef(t, dir, ".hidden.json", feedJSON)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	defs, err := LoadDirectory(dir, nil)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}

	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	// os.ReadDir yields filename order.
	if defs[0].ID != "feed_rec" || defs[1].ID != "feed_video" {
		t.Errorf("ids = [%s %s], want [feed_rec feed_video]", defs[0].ID, defs[1].ID)
	}
}

func TestLoadDirectory_MissingDir(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "absent"), nil)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestYAMLToJSON_Scalars(t *testing.T) {
	out, err := yamlToJSON([]byte("count: 3\nratio: 1.5\nlive: true\nname: feed\nnothing: null\n"))
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}
	want := `{"count":3,"ratio":1.5,"live":true,"name":"feed","nothing":null}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}

func TestDiagnosticError_SingleError(t *testing.T) {
	err := &DiagnosticError{
		GraphID: "g",
		Diagnostics: []graph.Diagnostic{
			{Code: "DG-002", Severity: graph.SeverityError, Message: "no entry nodes"},
		},
	}
	if !strings.Contains(err.Error(), "no entry nodes") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestDiagnosticError_MultipleErrors(t *testing.T) {
	err := &DiagnosticError{
		GraphID: "g",
		Diagnostics: []graph.Diagnostic{
			{Code: "DG-002", Severity: graph.SeverityError, Message: "first error"},
			{Code: "DG-004", Severity: graph.SeverityError, Message: "second error"},
		},
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

package graph

import (
	"strings"
	"testing"

	"github.com/plover-labs/feedflow/registry"
)

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func codesOf(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.Code
	}
	return out
}

func hasDiag(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_ValidGraph(t *testing.T) {
	def := mustParse(t, feedDoc)
	diags := def.Validate()
	if HasErrors(diags) {
		t.Errorf("valid graph produced errors: %v", codesOf(Errors(diags)))
	}
}

func TestValidate_EdgeEndpoints(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "t"}},
      "edges": {"a": ["ghost"], "phantom": ["a"]}
    }`)
	diags := def.Validate()
	count := 0
	for _, d := range diags {
		if d.Code == "DG-001" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected two DG-001 diagnostics (source and target), got %v", codesOf(diags))
	}
}

func TestValidate_NoEntryNodes(t *testing.T) {
	def := mustParse(t, `{"nodes": {"a": {"type": "t"}}, "edges": {}}`)
	if !hasDiag(def.Validate(), "DG-002") {
		t.Error("expected DG-002 for a graph without entries")
	}
}

func TestValidate_UnknownEntry(t *testing.T) {
	def := mustParse(t, `{"entry_nodes": ["nope"], "nodes": {"a": {"type": "t"}}, "edges": {}}`)
	if !hasDiag(def.Validate(), "DG-003") {
		t.Error("expected DG-003 for an undeclared entry")
	}
}

func TestValidate_UnknownTerminal(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "t"}},
      "terminal_node": "nope"
    }`)
	if !hasDiag(def.Validate(), "DG-004") {
		t.Error("expected DG-004 for an undeclared terminal")
	}
}

func TestValidate_UnreachableIsWarning(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "t"}, "island": {"type": "t"}},
      "edges": {}
    }`)
	diags := def.Validate()
	if HasErrors(diags) {
		t.Errorf("unreachable node should not be an error: %v", codesOf(Errors(diags)))
	}
	warns := Warnings(diags)
	if len(warns) != 1 || warns[0].Code != "DG-005" {
		t.Fatalf("expected one DG-005 warning, got %v", codesOf(diags))
	}
	if !strings.Contains(warns[0].Message, "island") {
		t.Errorf("warning should name the node: %q", warns[0].Message)
	}
}

func TestValidate_CycleDetection(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "t"}, "b": {"type": "t"}, "c": {"type": "t"}},
      "edges": {"a": ["b"], "b": ["c"], "c": ["a"]}
    }`)
	diags := def.Validate()
	if !hasDiag(diags, "DG-006") {
		t.Fatalf("expected DG-006 for a cycle, got %v", codesOf(diags))
	}
}

func TestValidate_CycleSkippedWhenEdgesDangle(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "t"}},
      "edges": {"a": ["ghost"]}
    }`)
	diags := def.Validate()
	if hasDiag(diags, "DG-006") {
		t.Error("cycle check should be skipped while DG-001 is present")
	}
}

func TestValidate_MissingType(t *testing.T) {
	def := mustParse(t, `{"entry_nodes": ["a"], "nodes": {"a": {"recall_size": 5}}, "edges": {}}`)
	if !hasDiag(def.Validate(), "DG-008") {
		t.Error("expected DG-008 for a node without a type")
	}
}

func TestValidateWithRegistry_UnknownType(t *testing.T) {
	def := mustParse(t, `{
      "entry_nodes": ["a"],
      "nodes": {"a": {"type": "teleport"}},
      "edges": {}
    }`)
	diags := def.ValidateWithRegistry(registry.Global())
	if !hasDiag(diags, "DG-007") {
		t.Fatalf("expected DG-007 for an unregistered type, got %v", codesOf(diags))
	}
}

func TestValidateWithRegistry_KnownTypesPass(t *testing.T) {
	def := mustParse(t, feedDoc)
	diags := def.ValidateWithRegistry(registry.Global())
	if HasErrors(diags) {
		t.Errorf("builtin types should validate: %v", codesOf(Errors(diags)))
	}
}

func TestHasErrors(t *testing.T) {
	if HasErrors(nil) {
		t.Error("no diagnostics means no errors")
	}
	warn := []Diagnostic{{Code: "DG-005", Severity: SeverityWarning}}
	if HasErrors(warn) {
		t.Error("warnings alone are not errors")
	}
	if !HasErrors(append(warn, Diagnostic{Code: "DG-002", Severity: SeverityError})) {
		t.Error("expected HasErrors to flag the error diagnostic")
	}
}

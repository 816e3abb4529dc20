package graph

import (
	"fmt"

	"github.com/plover-labs/feedflow/registry"
)

// Diagnostic represents a validation error or warning produced by graph
// validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "DG-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate checks structural integrity of the Definition:
//   - DG-001: edge endpoints reference declared nodes
//   - DG-002: at least one entry node
//   - DG-003: entry nodes are declared
//   - DG-004: terminal node is declared when set
//   - DG-005: unreachable nodes (warning)
//   - DG-006: cycle detection (Kahn)
//   - DG-008: every node declares a type
//
// The registry-dependent rule (DG-007, unknown node type) is checked via
// ValidateWithRegistry.
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	// DG-001: edge endpoints must reference declared nodes.
	for _, src := range d.EdgeOrder {
		if !d.HasNode(src) {
			diags = append(diags, Diagnostic{
				Code:     "DG-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", src),
				Path:     fmt.Sprintf("edges.%s", src),
			})
		}
		for i, tgt := range d.Edges[src] {
			if !d.HasNode(tgt) {
				diags = append(diags, Diagnostic{
					Code:     "DG-001",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Edge target %q references unknown node", tgt),
					Path:     fmt.Sprintf("edges.%s[%d]", src, i),
				})
			}
		}
	}

	// DG-002: execution needs at least one entry.
	if len(d.EntryNodes) == 0 {
		diags = append(diags, Diagnostic{
			Code:     "DG-002",
			Severity: SeverityError,
			Message:  "Graph declares no entry nodes",
			Path:     "entry_nodes",
		})
	}

	// DG-003: entries must be declared nodes.
	for i, id := range d.EntryNodes {
		if !d.HasNode(id) {
			diags = append(diags, Diagnostic{
				Code:     "DG-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Entry node %q does not exist", id),
				Path:     fmt.Sprintf("entry_nodes[%d]", i),
			})
		}
	}

	// DG-004: terminal must be declared when set.
	if d.TerminalNode != "" && !d.HasNode(d.TerminalNode) {
		diags = append(diags, Diagnostic{
			Code:     "DG-004",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Terminal node %q does not exist", d.TerminalNode),
			Path:     "terminal_node",
		})
	}

	// DG-008: a node without a type can never be instantiated.
	for _, id := range d.NodeOrder {
		if d.Nodes[id].Type == "" {
			diags = append(diags, Diagnostic{
				Code:     "DG-008",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q declares no type", id),
				Path:     fmt.Sprintf("nodes.%s.type", id),
			})
		}
	}

	// DG-005: unreachable nodes are tolerated but worth flagging.
	if len(d.EntryNodes) > 0 {
		reach := d.reachable()
		for _, id := range d.NodeOrder {
			if !reach[id] {
				diags = append(diags, Diagnostic{
					Code:     "DG-005",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q is not reachable from any entry node", id),
					Path:     fmt.Sprintf("nodes.%s", id),
				})
			}
		}
	}

	// DG-006: cycle detection. Skipped when edges dangle to avoid noise.
	if !hasCode(diags, "DG-001") {
		if cycle := d.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "DG-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Graph contains a cycle: %s", cycle),
			})
		}
	}

	return diags
}

// ValidateWithRegistry runs structural validation plus the type check:
//   - DG-007: node type must exist in the registry
func (d *Definition) ValidateWithRegistry(reg *registry.Registry) []Diagnostic {
	diags := d.Validate()
	if reg == nil {
		return diags
	}
	for _, id := range d.NodeOrder {
		nd := d.Nodes[id]
		if nd.Type == "" {
			continue
		}
		if !reg.Has(nd.Type) {
			diags = append(diags, Diagnostic{
				Code:     "DG-007",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q references unknown type %q", id, nd.Type),
				Path:     fmt.Sprintf("nodes.%s.type", id),
			})
		}
	}
	return diags
}

// reachable walks outgoing edges from every entry node.
func (d *Definition) reachable() map[string]bool {
	reach := make(map[string]bool, len(d.Nodes))
	queue := make([]string, 0, len(d.EntryNodes))
	for _, id := range d.EntryNodes {
		if d.HasNode(id) && !reach[id] {
			reach[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, tgt := range d.Edges[current] {
			if d.HasNode(tgt) && !reach[tgt] {
				reach[tgt] = true
				queue = append(queue, tgt)
			}
		}
	}
	return reach
}

// detectCycle uses Kahn's algorithm. Returns a description of the cycle
// if found, or empty string if the graph is acyclic.
func (d *Definition) detectCycle() string {
	inDegree := make(map[string]int, len(d.Nodes))
	for _, id := range d.NodeOrder {
		inDegree[id] = 0
	}
	for _, src := range d.EdgeOrder {
		for _, tgt := range d.Edges[src] {
			inDegree[tgt]++
		}
	}

	queue := make([]string, 0, len(d.Nodes))
	for _, id := range d.NodeOrder {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, tgt := range d.Edges[current] {
			inDegree[tgt]--
			if inDegree[tgt] == 0 {
				queue = append(queue, tgt)
			}
		}
	}

	if visited < len(d.Nodes) {
		var cycleNodes []string
		for _, id := range d.NodeOrder {
			if inDegree[id] > 0 {
				cycleNodes = append(cycleNodes, id)
			}
		}
		return fmt.Sprintf("nodes involved: %v", cycleNodes)
	}
	return ""
}

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

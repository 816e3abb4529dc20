// Package graph defines the serializable DAG document and its validation.
//
// A definition is a JSON (or YAML, via the loader) object:
//
//	{
//	  "dag": {"name": "feed_rec", "description": "..."},
//	  "entry_nodes": ["random_recall", "tag_recall"],
//	  "nodes": {"random_recall": {"type": "random_recall", "recall_size": 50}},
//	  "edges": {"random_recall": ["merge"], "tag_recall": ["merge"]},
//	  "terminal_node": "rerank"
//	}
//
// Object key order is significant: a node's primary input is the first
// incoming edge in document order, and blend nodes interleave their
// sources in that same order, so nodes and edges decode order-preserving.
package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDefinition is wrapped by every parse failure.
var ErrInvalidDefinition = errors.New("invalid graph definition")

// NodeDef is one node entry in a definition. Keys other than "type" and
// "enabled" are collected into Config and handed to the node factory.
type NodeDef struct {
	Type    string
	Enabled bool
	Config  map[string]any
}

// Definition is the decoded form of a recommendation DAG document.
type Definition struct {
	// ID identifies the graph. The loader sets it from the filename stem.
	ID string

	// Meta is the "dag" block. The engine never reads it.
	Meta map[string]any

	// EntryNodes lists where execution starts, in document order.
	EntryNodes []string

	// Nodes maps node id to its definition; NodeOrder preserves document
	// order for deterministic validation and fallback walks.
	Nodes     map[string]NodeDef
	NodeOrder []string

	// Edges maps source id to its targets; EdgeOrder preserves the
	// document order of sources.
	Edges     map[string][]string
	EdgeOrder []string

	// TerminalNode names the node whose output is the pipeline result.
	// Empty means the caller's default applies.
	TerminalNode string
}

// ParseDefinition decodes a JSON graph document, preserving the key order
// of the nodes and edges objects.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	def := &Definition{
		Nodes: make(map[string]NodeDef),
		Edges: make(map[string][]string),
	}

	for dec.More() {
		key, err := objectKey(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "dag":
			if err := dec.Decode(&def.Meta); err != nil {
				return nil, fmt.Errorf("%w: dag: %v", ErrInvalidDefinition, err)
			}
		case "entry_nodes":
			if err := dec.Decode(&def.EntryNodes); err != nil {
				return nil, fmt.Errorf("%w: entry_nodes: %v", ErrInvalidDefinition, err)
			}
		case "terminal_node":
			if err := dec.Decode(&def.TerminalNode); err != nil {
				return nil, fmt.Errorf("%w: terminal_node: %v", ErrInvalidDefinition, err)
			}
		case "nodes":
			if err := parseNodes(dec, def); err != nil {
				return nil, err
			}
		case "edges":
			if err := parseEdges(dec, def); err != nil {
				return nil, err
			}
		default:
			// Unknown top-level keys are tolerated for forward compatibility.
			var skip any
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, key, err)
			}
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

// HasNode reports whether id is declared.
func (d *Definition) HasNode(id string) bool {
	_, ok := d.Nodes[id]
	return ok
}

// Incoming returns the sources with an edge into id, in edge-declaration
// order. The first entry selects the node's primary input.
func (d *Definition) Incoming(id string) []string {
	var in []string
	for _, src := range d.EdgeOrder {
		for _, tgt := range d.Edges[src] {
			if tgt == id {
				in = append(in, src)
				break
			}
		}
	}
	return in
}

// Outgoing returns the targets of id's edges in declaration order.
func (d *Definition) Outgoing(id string) []string {
	targets := d.Edges[id]
	if targets == nil {
		return nil
	}
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// Name returns the human-readable dag name from the metadata block,
// falling back to the graph id.
func (d *Definition) Name() string {
	if s, ok := d.Meta["name"].(string); ok && s != "" {
		return s
	}
	return d.ID
}

func parseNodes(dec *json.Decoder, def *Definition) error {
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("%w: nodes must be an object", ErrInvalidDefinition)
	}
	for dec.More() {
		id, err := objectKey(dec)
		if err != nil {
			return err
		}
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: nodes.%s: %v", ErrInvalidDefinition, id, err)
		}
		def.Nodes[id] = nodeDefFromMap(raw)
		def.NodeOrder = append(def.NodeOrder, id)
	}
	_, err := dec.Token()
	return err
}

func parseEdges(dec *json.Decoder, def *Definition) error {
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("%w: edges must be an object", ErrInvalidDefinition)
	}
	for dec.More() {
		src, err := objectKey(dec)
		if err != nil {
			return err
		}
		var targets []string
		if err := dec.Decode(&targets); err != nil {
			return fmt.Errorf("%w: edges.%s must be a list of node ids: %v", ErrInvalidDefinition, src, err)
		}
		def.Edges[src] = targets
		def.EdgeOrder = append(def.EdgeOrder, src)
	}
	_, err := dec.Token()
	return err
}

func nodeDefFromMap(raw map[string]any) NodeDef {
	nd := NodeDef{Enabled: true, Config: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				nd.Type = s
			}
		case "enabled":
			if b, ok := v.(bool); ok {
				nd.Enabled = b
			}
		default:
			nd.Config[k] = v
		}
	}
	return nd
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: expected %q, got %v", ErrInvalidDefinition, want, tok)
	}
	return nil
}

func objectKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected object key, got %v", ErrInvalidDefinition, tok)
	}
	return key, nil
}

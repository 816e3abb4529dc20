// Package loader reads recommendation graph definitions from disk.
// It accepts JSON and YAML documents; YAML is re-encoded to JSON before
// parsing so both formats share one decode path.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plover-labs/feedflow/graph"
	"github.com/plover-labs/feedflow/registry"
)

// Load reads one definition file, keys it by the filename stem, and
// validates it against the global node-type registry.
func Load(path string) (*graph.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	def, err := graph.ParseDefinition(jsonData)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.ID = stem(path)

	if diags := def.ValidateWithRegistry(registry.Global()); graph.HasErrors(diags) {
		return nil, &DiagnosticError{GraphID: def.ID, Diagnostics: diags}
	}
	return def, nil
}

// LoadDirectory loads every definition file in dir, in filename order.
// A file that fails to load is logged and skipped; the rest still load.
func LoadDirectory(dir string, logger *slog.Logger) ([]*graph.Definition, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading graph directory %s: %w", dir, err)
	}

	var defs []*graph.Definition
	for _, ent := range entries {
		if ent.IsDir() || !isDefinitionFile(ent.Name()) {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		def, err := Load(path)
		if err != nil {
			logger.Warn("skipping graph definition", "path", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	GraphID     string
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("graph %q: validation error: %s", e.GraphID, errs[0].Message)
	}
	return fmt.Sprintf("graph %q: %d validation errors (first: %s)", e.GraphID, len(errs), errs[0].Message)
}

// isDefinitionFile reports whether a directory entry looks like a graph
// definition.
func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// stem returns the filename without directory or extension; it becomes the
// graph id.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON re-encodes a YAML document as JSON. Mapping key order is
// preserved: primary-input selection and blend interleaving follow the
// document order of the nodes and edges blocks, so the usual
// map[string]any round trip (which sorts keys) would change semantics.
func yamlToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeJSON(&buf, &root); err != nil {
		return nil, fmt.Errorf("converting YAML: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSON(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return encodeJSON(buf, n.Content[0])
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := encodeJSON(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return err
		}
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	case yaml.AliasNode:
		return encodeJSON(buf, n.Alias)
	default:
		return fmt.Errorf("unsupported YAML node kind %d", n.Kind)
	}
}

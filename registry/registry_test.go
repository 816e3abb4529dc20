package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/plover-labs/feedflow/core"
)

func dummyFactory(id string, cfg map[string]any, enabled bool) (core.Node, error) {
	return nil, nil
}

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance on every call")
	}
}

func TestGlobal_HasBuiltins(t *testing.T) {
	r := Global()
	if r.Len() == 0 {
		t.Fatal("Global registry should have built-in types registered")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	def := NodeTypeDef{
		Type:        "test_node",
		Kind:        core.NodeKindFilter,
		Description: "A test node",
		New:         dummyFactory,
	}

	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("test_node")
	if !ok {
		t.Fatal("Get should find registered type")
	}
	if got.Type != "test_node" {
		t.Errorf("Type = %q, want %q", got.Type, "test_node")
	}
	if got.Kind != core.NodeKindFilter {
		t.Errorf("Kind = %q, want %q", got.Kind, core.NodeKindFilter)
	}
}

func TestRegistry_RegisterRejectsBadDefs(t *testing.T) {
	r := New()
	if err := r.Register(NodeTypeDef{New: dummyFactory}); err == nil {
		t.Error("Register should reject an empty type name")
	}
	if err := r.Register(NodeTypeDef{Type: "no_factory"}); err == nil {
		t.Error("Register should reject a nil factory")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := New()
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get should return false for unregistered type")
	}
}

func TestRegistry_Has(t *testing.T) {
	r := New()
	r.MustRegister(NodeTypeDef{Type: "exists", New: dummyFactory})

	if !r.Has("exists") {
		t.Error("Has should return true for registered type")
	}
	if r.Has("missing") {
		t.Error("Has should return false for unregistered type")
	}
}

func TestRegistry_Types_PreservesOrder(t *testing.T) {
	r := New()
	r.MustRegister(NodeTypeDef{Type: "alpha", New: dummyFactory})
	r.MustRegister(NodeTypeDef{Type: "beta", New: dummyFactory})
	r.MustRegister(NodeTypeDef{Type: "gamma", New: dummyFactory})

	all := r.Types()
	if len(all) != 3 {
		t.Fatalf("Types() returned %d items, want 3", len(all))
	}
	expected := []string{"alpha", "beta", "gamma"}
	for i, want := range expected {
		if all[i].Type != want {
			t.Errorf("Types()[%d].Type = %q, want %q", i, all[i].Type, want)
		}
	}
}

func TestRegistry_RegisterOverwrite(t *testing.T) {
	r := New()
	r.MustRegister(NodeTypeDef{Type: "node", Description: "Original", New: dummyFactory})
	r.MustRegister(NodeTypeDef{Type: "node", Description: "Updated", New: dummyFactory})

	got, _ := r.Get("node")
	if got.Description != "Updated" {
		t.Errorf("Description = %q, want %q (should overwrite)", got.Description, "Updated")
	}
	// Should not duplicate in order
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (overwrite should not duplicate)", r.Len())
	}
}

func TestRegistry_Len(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Errorf("empty registry Len = %d, want 0", r.Len())
	}
	r.MustRegister(NodeTypeDef{Type: "a", New: dummyFactory})
	r.MustRegister(NodeTypeDef{Type: "b", New: dummyFactory})
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	// Concurrent writers
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.MustRegister(NodeTypeDef{Type: "concurrent", New: dummyFactory})
		}()
	}

	// Concurrent readers
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Get("concurrent")
			r.Has("concurrent")
			r.Types()
			r.Len()
		}()
	}

	wg.Wait()
	// If we get here without data race panic, the test passes
}

func TestRegistry_NewNode(t *testing.T) {
	r := Global()

	node, err := r.NewNode("tag_recall", "my_tags", map[string]any{"recall_size": 20}, true)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if node.ID() != "my_tags" {
		t.Errorf("node id = %q, want my_tags", node.ID())
	}
	if node.TypeName() != "tag_recall" {
		t.Errorf("node type = %q, want tag_recall", node.TypeName())
	}
	if node.Kind() != core.NodeKindRecall {
		t.Errorf("node kind = %q, want recall", node.Kind())
	}
	if !node.Enabled() {
		t.Error("node should be enabled")
	}
}

func TestRegistry_NewNodeUnknownType(t *testing.T) {
	if _, err := Global().NewNode("teleport", "t", nil, true); err == nil {
		t.Error("NewNode should fail for unknown types")
	}
}

func TestRegistry_NewNodeBadConfig(t *testing.T) {
	_, err := Global().NewNode("rerank", "r", map[string]any{"rank_size": "huge"}, true)
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

// --- Builtin registration tests ---

func TestBuiltins_AllExpectedTypesRegistered(t *testing.T) {
	r := Global()
	expected := []string{
		"random_recall",
		"tag_recall",
		"popular_recall",
		"vector_recall",
		"multi_hop_recall",
		"ad_recall",
		"product_recall",
		"snake_merge",
		"basic_filter",
		"user_history_filter",
		"diversity_filter",
		"n_out_m_filter",
		"pre_rank",
		"feature_extract",
		"rank",
		"rerank",
		"response_format",
	}

	if r.Len() != len(expected) {
		t.Errorf("registered %d types, want %d", r.Len(), len(expected))
	}
	for _, typeName := range expected {
		if !r.Has(typeName) {
			t.Errorf("built-in type %q not registered", typeName)
		}
	}
}

func TestBuiltins_Kinds(t *testing.T) {
	r := Global()
	tests := []struct {
		typeName string
		kind     core.NodeKind
	}{
		{"random_recall", core.NodeKindRecall},
		{"tag_recall", core.NodeKindRecall},
		{"popular_recall", core.NodeKindRecall},
		{"vector_recall", core.NodeKindRecall},
		{"multi_hop_recall", core.NodeKindRecall},
		{"ad_recall", core.NodeKindRecall},
		{"product_recall", core.NodeKindRecall},
		{"snake_merge", core.NodeKindBlend},
		{"basic_filter", core.NodeKindFilter},
		{"user_history_filter", core.NodeKindFilter},
		{"diversity_filter", core.NodeKindFilter},
		{"n_out_m_filter", core.NodeKindFilter},
		{"pre_rank", core.NodeKindRank},
		{"feature_extract", core.NodeKindRank},
		{"rank", core.NodeKindRank},
		{"rerank", core.NodeKindRank},
		{"response_format", core.NodeKindTransform},
	}

	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			def, ok := r.Get(tt.typeName)
			if !ok {
				t.Fatalf("type %q not found", tt.typeName)
			}
			if def.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", def.Kind, tt.kind)
			}
		})
	}
}

func TestBuiltins_Complete(t *testing.T) {
	for _, def := range Global().Types() {
		if def.Description == "" {
			t.Errorf("type %q has empty description", def.Type)
		}
		if def.New == nil {
			t.Errorf("type %q has no factory", def.Type)
		}
	}
}

func TestBuiltins_FactoriesBuildWithDefaults(t *testing.T) {
	r := Global()
	for _, def := range r.Types() {
		node, err := r.NewNode(def.Type, "n_"+def.Type, nil, true)
		if err != nil {
			t.Errorf("NewNode(%q) with empty config: %v", def.Type, err)
			continue
		}
		if node.TypeName() != def.Type {
			t.Errorf("node type = %q, want %q", node.TypeName(), def.Type)
		}
	}
}

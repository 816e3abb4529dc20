package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// ProductRecallConfig configures a ProductRecall node.
type ProductRecallConfig struct {
	RecallSize    int
	CategoryBoost bool
}

// ParseProductRecallConfig reads a ProductRecallConfig from a definition map.
func ParseProductRecallConfig(cfg map[string]any) (ProductRecallConfig, error) {
	var c ProductRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.CategoryBoost, err = boolOption(cfg, "category_boost", true); err != nil {
		return c, err
	}
	return c, nil
}

// ProductRecall retrieves product inventory. Category boosting is a
// hook recorded in the trace; the selection is a straight listing.
type ProductRecall struct {
	core.BaseNode
	cfg ProductRecallConfig
}

// NewProductRecall creates a product recall node.
func NewProductRecall(id string, enabled bool, cfg ProductRecallConfig) *ProductRecall {
	return &ProductRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "product_recall", enabled),
		cfg:      cfg,
	}
}

func (n *ProductRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "category_boost", n.cfg.CategoryBoost)
		tr.AddNodeDetail(n.ID(), "user_id", rc.UserID)
	}

	items, err := rc.Gateway.ItemsByKind(ctx, core.ItemKindProduct, n.cfg.RecallSize)
	if err != nil {
		return nil, fmt.Errorf("product recall: %w", err)
	}

	cands := make([]*core.Candidate, 0, len(items))
	for _, it := range items {
		cands = append(cands, core.ItemCandidate(it, "product", 1.0))
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*ProductRecall)(nil)

package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// RandomRecallConfig configures a RandomRecall node.
type RandomRecallConfig struct {
	RecallSize   int
	ContentTypes []core.ItemKind
}

// ParseRandomRecallConfig reads a RandomRecallConfig from a definition map.
func ParseRandomRecallConfig(cfg map[string]any) (RandomRecallConfig, error) {
	var c RandomRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.ContentTypes, err = itemKindsOption(cfg, "content_types", core.AllItemKinds()); err != nil {
		return c, err
	}
	return c, nil
}

// RandomRecall samples items uniformly from the store. It is the
// cold-start recall and the pipeline's degraded fallback: it needs no
// user, no history and no embeddings.
type RandomRecall struct {
	core.BaseNode
	cfg RandomRecallConfig
}

// NewRandomRecall creates a random recall node.
func NewRandomRecall(id string, enabled bool, cfg RandomRecallConfig) *RandomRecall {
	return &RandomRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "random_recall", enabled),
		cfg:      cfg,
	}
}

// Process ignores its input and samples the store. The request seed
// drives the sample order so a cursor replays identically.
func (n *RandomRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	items, err := rc.Gateway.SampleItems(ctx, n.cfg.ContentTypes, n.cfg.RecallSize, rc.Seed)
	if err != nil {
		return nil, fmt.Errorf("random recall: %w", err)
	}
	cands := make([]*core.Candidate, 0, len(items))
	for _, it := range items {
		cands = append(cands, core.ItemCandidate(it, "random", 0.5))
	}
	return cands, nil
}

var _ core.Node = (*RandomRecall)(nil)

package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// AdRecallConfig configures an AdRecall node.
type AdRecallConfig struct {
	RecallSize       int
	TargetingEnabled bool
}

// ParseAdRecallConfig reads an AdRecallConfig from a definition map.
func ParseAdRecallConfig(cfg map[string]any) (AdRecallConfig, error) {
	var c AdRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.TargetingEnabled, err = boolOption(cfg, "targeting_enabled", true); err != nil {
		return c, err
	}
	return c, nil
}

// AdRecall retrieves ad inventory. Targeting is a hook: the flag is
// recorded in the trace but the selection is a straight listing until
// an ad server integration lands.
type AdRecall struct {
	core.BaseNode
	cfg AdRecallConfig
}

// NewAdRecall creates an ad recall node.
func NewAdRecall(id string, enabled bool, cfg AdRecallConfig) *AdRecall {
	return &AdRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "ad_recall", enabled),
		cfg:      cfg,
	}
}

func (n *AdRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "targeting_enabled", n.cfg.TargetingEnabled)
		tr.AddNodeDetail(n.ID(), "user_id", rc.UserID)
	}

	items, err := rc.Gateway.ItemsByKind(ctx, core.ItemKindAd, n.cfg.RecallSize)
	if err != nil {
		return nil, fmt.Errorf("ad recall: %w", err)
	}

	cands := make([]*core.Candidate, 0, len(items))
	for _, it := range items {
		cands = append(cands, core.ItemCandidate(it, "ad", 1.0))
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*AdRecall)(nil)

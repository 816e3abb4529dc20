package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// MultiHopRecallConfig configures a MultiHopRecall node.
type MultiHopRecallConfig struct {
	RecallSize    int
	MaxHops       int
	RelationTypes []string
	HopDecay      float64
}

// ParseMultiHopRecallConfig reads a MultiHopRecallConfig from a definition map.
func ParseMultiHopRecallConfig(cfg map[string]any) (MultiHopRecallConfig, error) {
	var c MultiHopRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.MaxHops, err = intOption(cfg, "max_hops", 2); err != nil {
		return c, err
	}
	if c.RelationTypes, err = stringsOption(cfg, "relation_types", []string{"like", "favorite"}); err != nil {
		return c, err
	}
	if c.HopDecay, err = floatOption(cfg, "hop_decay", 0.5); err != nil {
		return c, err
	}
	return c, nil
}

// MultiHopRecall walks the user-item relation graph: items the user
// engaged with lead to other users who engaged with them, and from
// there to new items. Every extra hop multiplies the path weight by
// hop_decay, and weights aggregate per item across paths.
type MultiHopRecall struct {
	core.BaseNode
	cfg MultiHopRecallConfig
}

// NewMultiHopRecall creates a multi-hop recall node.
func NewMultiHopRecall(id string, enabled bool, cfg MultiHopRecallConfig) *MultiHopRecall {
	return &MultiHopRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "multi_hop_recall", enabled),
		cfg:      cfg,
	}
}

// Process runs the relation walk. Items the user engaged with directly
// are excluded from the result. Anonymous requests yield an empty list.
func (n *MultiHopRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	if rc.UserID == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "user_id", rc.UserID)
		tr.AddNodeDetail(n.ID(), "max_hops", n.cfg.MaxHops)
		tr.AddNodeDetail(n.ID(), "relation_types", n.cfg.RelationTypes)
	}

	scored, err := rc.Gateway.MultiHopItems(ctx, rc.UserID, n.cfg.RelationTypes, n.cfg.MaxHops, n.cfg.HopDecay, n.cfg.RecallSize)
	if err != nil {
		return nil, fmt.Errorf("multi-hop recall: %w", err)
	}

	cands := make([]*core.Candidate, 0, len(scored))
	for _, s := range scored {
		cands = append(cands, core.ItemCandidate(s.Item, "multi_hop", s.Score))
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*MultiHopRecall)(nil)

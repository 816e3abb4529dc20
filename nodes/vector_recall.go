package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// VectorRecallConfig configures a VectorRecall node.
type VectorRecallConfig struct {
	RecallSize     int
	DistanceMetric string
	MinScore       float64
}

// ParseVectorRecallConfig reads a VectorRecallConfig from a definition map.
func ParseVectorRecallConfig(cfg map[string]any) (VectorRecallConfig, error) {
	var c VectorRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.DistanceMetric, err = stringOption(cfg, "distance_metric", "cosine"); err != nil {
		return c, err
	}
	if c.DistanceMetric != "cosine" && c.DistanceMetric != "l2" {
		return c, fmt.Errorf("%w: distance_metric %q", core.ErrInvalidConfig, c.DistanceMetric)
	}
	if c.MinScore, err = floatOption(cfg, "min_score", 0.7); err != nil {
		return c, err
	}
	return c, nil
}

// VectorRecall retrieves content nearest to the user's embedding. Under
// cosine the store returns distances, so the node keeps candidates with
// distance below 1-min_score and reports 1-distance as the match score.
// Under l2 the raw distance is both the cutoff and the score.
type VectorRecall struct {
	core.BaseNode
	cfg VectorRecallConfig
}

// NewVectorRecall creates a vector recall node.
func NewVectorRecall(id string, enabled bool, cfg VectorRecallConfig) *VectorRecall {
	return &VectorRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "vector_recall", enabled),
		cfg:      cfg,
	}
}

// Process loads the user embedding and runs a nearest-neighbor search.
// Anonymous requests and users without an embedding yield an empty list.
func (n *VectorRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	if rc.UserID == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "user_id", rc.UserID)
		tr.AddNodeDetail(n.ID(), "distance_metric", n.cfg.DistanceMetric)
		tr.AddNodeDetail(n.ID(), "min_score", n.cfg.MinScore)
	}

	vec, err := rc.Gateway.LoadUserEmbedding(ctx, rc.UserID)
	if err != nil {
		return nil, fmt.Errorf("vector recall: load embedding: %w", err)
	}
	if vec == nil {
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "error", "user_vector_not_found")
		}
		return []*core.Candidate{}, nil
	}

	scored, err := rc.Gateway.NearestItems(ctx, vec, n.cfg.DistanceMetric, n.cfg.RecallSize)
	if err != nil {
		return nil, fmt.Errorf("vector recall: %w", err)
	}

	threshold := n.cfg.MinScore
	if n.cfg.DistanceMetric == "cosine" {
		threshold = 1 - n.cfg.MinScore
	}

	cands := make([]*core.Candidate, 0, len(scored))
	for _, s := range scored {
		if s.Score >= threshold {
			continue
		}
		match := s.Score
		if n.cfg.DistanceMetric == "cosine" {
			match = 1 - s.Score
		}
		cands = append(cands, core.ItemCandidate(s.Item, "vector", match))
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*VectorRecall)(nil)

package nodes

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// PreRankConfig configures a PreRank node.
type PreRankConfig struct {
	RankSize    int
	ModelType   string
	RuleWeights map[string]float64
}

// ParsePreRankConfig reads a PreRankConfig from a definition map.
func ParsePreRankConfig(cfg map[string]any) (PreRankConfig, error) {
	var c PreRankConfig
	var err error
	if c.RankSize, err = intOption(cfg, "rank_size", 200); err != nil {
		return c, err
	}
	if c.ModelType, err = stringOption(cfg, "model_type", "rule"); err != nil {
		return c, err
	}
	if c.RuleWeights, err = floatMapOption(cfg, "rule_weights", map[string]float64{
		"recency":    0.7,
		"popularity": 0.3,
	}); err != nil {
		return c, err
	}
	return c, nil
}

// PreRank is the coarse ranking stage. It cuts the merged recall pool
// down to rank_size using either a cheap rule score or a registered
// lightweight model (model_type gbdt or lr). When the configured model
// is not registered the node falls back to the rule score and records
// the reason in the trace.
type PreRank struct {
	core.BaseNode
	cfg PreRankConfig
}

// NewPreRank creates a pre-rank node.
func NewPreRank(id string, enabled bool, cfg PreRankConfig) *PreRank {
	return &PreRank{
		BaseNode: core.NewBaseNode(id, core.NodeKindRank, "pre_rank", enabled),
		cfg:      cfg,
	}
}

func (n *PreRank) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "model_type", n.cfg.ModelType)
	}

	switch n.cfg.ModelType {
	case "gbdt", "lr":
		model, ok := LookupModel(n.cfg.ModelType)
		if !ok {
			if tr != nil {
				tr.AddNodeDetail(n.ID(), "fallback_reason", "model_not_available")
			}
			return n.ruleRank(rc, cands), nil
		}
		scores, err := model.Score(ctx, rc, cands)
		if err != nil {
			return nil, fmt.Errorf("pre-rank model %q: %w", n.cfg.ModelType, err)
		}
		if len(scores) != len(cands) {
			return nil, fmt.Errorf("pre-rank model %q: got %d scores for %d candidates", n.cfg.ModelType, len(scores), len(cands))
		}
		for i, c := range cands {
			c.PreRankScore = core.Float64Ptr(scores[i])
		}
		out := n.sortAndCut(cands)
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "output_size", len(out))
		}
		return out, nil
	default:
		out := n.ruleRank(rc, cands)
		return out, nil
	}
}

// ruleRank scores candidates without a model: half the recall score
// plus exponentially decayed recency plus weighted popularity.
func (n *PreRank) ruleRank(rc *core.RequestContext, cands []*core.Candidate) []*core.Candidate {
	now := time.Now()
	wRecency := n.cfg.RuleWeights["recency"]
	wPopularity := n.cfg.RuleWeights["popularity"]

	for _, c := range cands {
		recency := 0.0
		if !c.CreatedAt.IsZero() {
			days := now.Sub(c.CreatedAt).Hours() / 24
			recency = math.Exp(-0.1 * days)
		}
		score := 0.5*c.MatchScore + wRecency*recency + wPopularity*c.Popularity
		c.PreRankScore = core.Float64Ptr(score)
	}

	out := n.sortAndCut(cands)
	if tr := rc.Trace; tr != nil {
		tr.AddNodeDetail(n.ID(), "rule_weights", n.cfg.RuleWeights)
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out
}

func (n *PreRank) sortAndCut(cands []*core.Candidate) []*core.Candidate {
	out := make([]*core.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		var si, sj float64
		if out[i].PreRankScore != nil {
			si = *out[i].PreRankScore
		}
		if out[j].PreRankScore != nil {
			sj = *out[j].PreRankScore
		}
		return si > sj
	})
	if len(out) > n.cfg.RankSize {
		out = out[:n.cfg.RankSize]
	}
	return out
}

var _ core.Node = (*PreRank)(nil)

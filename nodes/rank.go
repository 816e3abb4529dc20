package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/plover-labs/feedflow/core"
)

// RankConfig configures a Rank node.
type RankConfig struct {
	RankSize   int
	ModelType  string
	ModelName  string
	ScoreField string
}

// ParseRankConfig reads a RankConfig from a definition map.
func ParseRankConfig(cfg map[string]any) (RankConfig, error) {
	var c RankConfig
	var err error
	if c.RankSize, err = intOption(cfg, "rank_size", 50); err != nil {
		return c, err
	}
	if c.ModelType, err = stringOption(cfg, "model_type", "gbdt"); err != nil {
		return c, err
	}
	if c.ModelName, err = stringOption(cfg, "model_name", "gbdt_rank_v1"); err != nil {
		return c, err
	}
	if c.ScoreField, err = stringOption(cfg, "score_field", "rank_score"); err != nil {
		return c, err
	}
	return c, nil
}

// Rank is the fine ranking stage. It scores candidates with the model
// registered under model_name and writes the result into score_field.
// When candidates lack features or the model is not registered, the
// pre-rank score carries over and the fallback reason goes to the
// trace.
type Rank struct {
	core.BaseNode
	cfg RankConfig
}

// NewRank creates a rank node.
func NewRank(id string, enabled bool, cfg RankConfig) *Rank {
	return &Rank{
		BaseNode: core.NewBaseNode(id, core.NodeKindRank, "rank", enabled),
		cfg:      cfg,
	}
}

func (n *Rank) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "model_type", n.cfg.ModelType)
		tr.AddNodeDetail(n.ID(), "model_name", n.cfg.ModelName)
	}

	for _, c := range cands {
		if c.Features == nil {
			if tr != nil {
				tr.AddNodeDetail(n.ID(), "fallback_reason", "missing_features")
			}
			return n.ruleRank(cands), nil
		}
	}

	model, ok := LookupModel(n.cfg.ModelName)
	if !ok {
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "fallback_reason", "model_not_available")
		}
		return n.ruleRank(cands), nil
	}

	scores, err := model.Score(ctx, rc, cands)
	if err != nil {
		return nil, fmt.Errorf("rank model %q: %w", n.cfg.ModelName, err)
	}
	if len(scores) != len(cands) {
		return nil, fmt.Errorf("rank model %q: got %d scores for %d candidates", n.cfg.ModelName, len(scores), len(cands))
	}
	for i, c := range cands {
		n.setScore(c, scores[i])
	}
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "ranking_method", "model")
	}

	out := n.sortAndCut(cands)
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

// ruleRank carries the coarse score forward when the model path is
// unavailable.
func (n *Rank) ruleRank(cands []*core.Candidate) []*core.Candidate {
	for _, c := range cands {
		score := c.MatchScore
		if c.PreRankScore != nil {
			score = *c.PreRankScore
		}
		n.setScore(c, score)
	}
	return n.sortAndCut(cands)
}

func (n *Rank) setScore(c *core.Candidate, score float64) {
	if n.cfg.ScoreField == "rank_score" {
		c.RankScore = core.Float64Ptr(score)
		return
	}
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[n.cfg.ScoreField] = score
}

func (n *Rank) scoreOf(c *core.Candidate) float64 {
	if n.cfg.ScoreField == "rank_score" {
		if c.RankScore != nil {
			return *c.RankScore
		}
		return 0
	}
	if v, ok := c.Extra[n.cfg.ScoreField]; ok {
		if f, ok := toFloat64(v); ok {
			return f
		}
	}
	return 0
}

func (n *Rank) sortAndCut(cands []*core.Candidate) []*core.Candidate {
	out := make([]*core.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return n.scoreOf(out[i]) > n.scoreOf(out[j])
	})
	if len(out) > n.cfg.RankSize {
		out = out[:n.cfg.RankSize]
	}
	return out
}

var _ core.Node = (*Rank)(nil)

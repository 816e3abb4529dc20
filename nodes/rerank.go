package nodes

import (
	"context"
	"math"
	"sort"

	"github.com/plover-labs/feedflow/core"
)

// RerankWindow is the optional N-out-of-M pass applied after the
// greedy selection.
type RerankWindow struct {
	Enabled bool
	N       int
	M       int
	Key     string
}

// RerankConfig configures a Rerank node.
type RerankConfig struct {
	RankSize        int
	DiversityWeight float64
	DiversityFields []string
	MaxItemsPerKey  map[string]int
	ModelType       string
	NOutM           RerankWindow
}

// ParseRerankConfig reads a RerankConfig from a definition map.
func ParseRerankConfig(cfg map[string]any) (RerankConfig, error) {
	var c RerankConfig
	var err error
	if c.RankSize, err = intOption(cfg, "rank_size", 100); err != nil {
		return c, err
	}
	if c.DiversityWeight, err = floatOption(cfg, "diversity_weight", 0.2); err != nil {
		return c, err
	}
	if c.DiversityFields, err = stringsOption(cfg, "diversity_fields", []string{"tags", "author_id"}); err != nil {
		return c, err
	}
	if c.MaxItemsPerKey, err = intMapOption(cfg, "max_items_per_key", map[string]int{"author_id": 2, "tags": 3}); err != nil {
		return c, err
	}
	if c.ModelType, err = stringOption(cfg, "model_type", "diversity"); err != nil {
		return c, err
	}

	sub, err := mapOption(cfg, "n_out_m")
	if err != nil {
		return c, err
	}
	c.NOutM = RerankWindow{N: 1, M: 5, Key: "author_id"}
	if sub != nil {
		if c.NOutM.Enabled, err = boolOption(sub, "enabled", false); err != nil {
			return c, err
		}
		if c.NOutM.N, err = intOption(sub, "n", 1); err != nil {
			return c, err
		}
		if c.NOutM.M, err = intOption(sub, "m", 5); err != nil {
			return c, err
		}
		if c.NOutM.Key, err = stringOption(sub, "key", "author_id"); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Rerank is the final ordering stage. It trades a little score for
// variety: a greedy pass picks, at every position, the candidate whose
// original score minus a weighted diversity penalty is highest. The
// penalty grows when a candidate repeats field values that already hit
// their per-key cap among the selected items.
type Rerank struct {
	core.BaseNode
	cfg RerankConfig
}

// NewRerank creates a rerank node.
func NewRerank(id string, enabled bool, cfg RerankConfig) *Rerank {
	return &Rerank{
		BaseNode: core.NewBaseNode(id, core.NodeKindRank, "rerank", enabled),
		cfg:      cfg,
	}
}

func (n *Rerank) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "diversity_weight", n.cfg.DiversityWeight)
		tr.AddNodeDetail(n.ID(), "diversity_fields", n.cfg.DiversityFields)
		tr.AddNodeDetail(n.ID(), "model_type", n.cfg.ModelType)
	}

	// The score a candidate entered this node with. It survives the
	// reshuffle as rerank_score.
	scores := make(map[*core.Candidate]float64, len(cands))
	for _, c := range cands {
		scores[c] = rankingScore(c)
	}

	var out []*core.Candidate
	if n.cfg.DiversityWeight > 0 {
		out = n.diversityRerank(cands, scores)
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "rerank_method", "diversity")
		}
	} else {
		out = cands
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "rerank_method", "none")
		}
	}

	if n.cfg.NOutM.Enabled {
		out = applyWindowQuota(out, n.cfg.NOutM.N, n.cfg.NOutM.M, n.cfg.NOutM.Key)
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "n_out_m_applied", true)
			tr.AddNodeDetail(n.ID(), "n_out_m_config", map[string]any{
				"enabled": true,
				"n":       n.cfg.NOutM.N,
				"m":       n.cfg.NOutM.M,
				"key":     n.cfg.NOutM.Key,
			})
		}
	}

	for i, c := range out {
		c.RerankScore = core.Float64Ptr(scores[c])
		c.FinalPosition = i
	}
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

func (n *Rerank) diversityRerank(cands []*core.Candidate, scores map[*core.Candidate]float64) []*core.Candidate {
	sorted := make([]*core.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] > scores[sorted[j]]
	})

	result := make([]*core.Candidate, 0, len(sorted))
	counts := make(map[string]map[any]int, len(n.cfg.DiversityFields))
	for _, f := range n.cfg.DiversityFields {
		counts[f] = make(map[any]int)
	}

	take := func(c *core.Candidate) {
		result = append(result, c)
		for _, f := range n.cfg.DiversityFields {
			if f == "tags" {
				for _, tag := range c.Tags {
					counts[f][tag]++
				}
			} else if v := candidateKey(c, f); v != nil {
				counts[f][v]++
			}
		}
	}

	take(sorted[0])
	remaining := sorted[1:]

	for len(remaining) > 0 && len(result) < n.cfg.RankSize {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			s := scores[c] - n.cfg.DiversityWeight*n.penalty(c, counts)
			// Strict comparison keeps the earlier (higher-scored)
			// candidate on ties.
			if s > bestScore {
				bestScore, bestIdx = s, i
			}
		}
		if bestIdx < 0 {
			break
		}
		take(remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return result
}

// penalty measures how much a candidate repeats values already at
// their cap among the selected items. Scalar fields add a flat 1.0,
// tag fields add the capped-tag share of the candidate's tags.
func (n *Rerank) penalty(c *core.Candidate, counts map[string]map[any]int) float64 {
	p := 0.0
	for _, f := range n.cfg.DiversityFields {
		maxItems, ok := n.cfg.MaxItemsPerKey[f]
		if !ok {
			maxItems = 2
		}
		if f == "tags" {
			if len(c.Tags) == 0 {
				continue
			}
			overlap := 0
			for _, tag := range c.Tags {
				if cnt := counts[f][tag]; cnt > 0 && cnt >= maxItems {
					overlap++
				}
			}
			p += float64(overlap) / float64(len(c.Tags))
			continue
		}
		v := candidateKey(c, f)
		if v == nil {
			continue
		}
		if cnt := counts[f][v]; cnt > 0 && cnt >= maxItems {
			p += 1.0
		}
	}
	return p
}

var _ core.Node = (*Rerank)(nil)

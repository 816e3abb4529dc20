package nodes

import (
	"context"
	"fmt"

	"github.com/plover-labs/feedflow/core"
)

// DiversityFilterConfig configures a DiversityFilter node.
type DiversityFilterConfig struct {
	DiversityFields []string
	MaxItemsPerKey  map[string]int
}

// ParseDiversityFilterConfig reads a DiversityFilterConfig from a
// definition map.
func ParseDiversityFilterConfig(cfg map[string]any) (DiversityFilterConfig, error) {
	var c DiversityFilterConfig
	var err error
	if c.DiversityFields, err = stringsOption(cfg, "diversity_fields", []string{"tags", "author_id"}); err != nil {
		return c, err
	}
	if c.MaxItemsPerKey, err = intMapOption(cfg, "max_items_per_key", map[string]int{"author_id": 2, "tags": 3}); err != nil {
		return c, err
	}
	return c, nil
}

// DiversityFilter caps how often a field value may appear. Unlike the
// rerank stage it is a hard cutoff: candidates are walked best-first
// and dropped outright once a value hits its cap.
type DiversityFilter struct {
	core.BaseNode
	cfg DiversityFilterConfig
}

// NewDiversityFilter creates a diversity filter node.
func NewDiversityFilter(id string, enabled bool, cfg DiversityFilterConfig) *DiversityFilter {
	return &DiversityFilter{
		BaseNode: core.NewBaseNode(id, core.NodeKindFilter, "diversity_filter", enabled),
		cfg:      cfg,
	}
}

func (n *DiversityFilter) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "diversity_fields", n.cfg.DiversityFields)
		tr.AddNodeDetail(n.ID(), "max_items_per_key", n.cfg.MaxItemsPerKey)
		tr.AddNodeDetail(n.ID(), "input_size", len(cands))
	}

	sorted := sortByRankingScore(cands)

	counts := make(map[string]map[string]int, len(n.cfg.DiversityFields))
	for _, f := range n.cfg.DiversityFields {
		counts[f] = make(map[string]int)
	}

	out := make([]*core.Candidate, 0, len(sorted))
	for _, c := range sorted {
		if !n.underCaps(c, counts) {
			continue
		}
		for _, f := range n.cfg.DiversityFields {
			if f == "tags" {
				for _, tag := range c.Tags {
					counts[f][tag]++
				}
			} else if v := candidateKey(c, f); v != nil {
				counts[f][fmt.Sprint(v)]++
			}
		}
		out = append(out, c)
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "filtered_count", len(cands)-len(out))
		tr.AddNodeDetail(n.ID(), "field_counts", counts)
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

func (n *DiversityFilter) underCaps(c *core.Candidate, counts map[string]map[string]int) bool {
	for _, f := range n.cfg.DiversityFields {
		maxCount, ok := n.cfg.MaxItemsPerKey[f]
		if !ok {
			maxCount = 2
		}
		if f == "tags" {
			for _, tag := range c.Tags {
				if counts[f][tag] >= maxCount {
					return false
				}
			}
			continue
		}
		v := candidateKey(c, f)
		if v != nil && counts[f][fmt.Sprint(v)] >= maxCount {
			return false
		}
	}
	return true
}

var _ core.Node = (*DiversityFilter)(nil)

package nodes

import (
	"context"

	"github.com/plover-labs/feedflow/core"
)

// NOutMFilterConfig configures an NOutMFilter node.
type NOutMFilterConfig struct {
	N             int
	M             int
	Key           string
	PreserveOrder bool
}

// ParseNOutMFilterConfig reads an NOutMFilterConfig from a definition map.
func ParseNOutMFilterConfig(cfg map[string]any) (NOutMFilterConfig, error) {
	var c NOutMFilterConfig
	var err error
	if c.N, err = intOption(cfg, "n", 1); err != nil {
		return c, err
	}
	if c.M, err = intOption(cfg, "m", 5); err != nil {
		return c, err
	}
	if c.Key, err = stringOption(cfg, "key", "author_id"); err != nil {
		return c, err
	}
	if c.PreserveOrder, err = boolOption(cfg, "preserve_order", true); err != nil {
		return c, err
	}
	return c, nil
}

// NOutMFilter enforces that any m consecutive results contain at most
// n candidates sharing the same key value. With preserve_order the
// quota walks the input as-is; otherwise candidates are considered
// best-score-first, so the quota drops the weakest repeats.
type NOutMFilter struct {
	core.BaseNode
	cfg NOutMFilterConfig
}

// NewNOutMFilter creates an N-out-of-M filter node.
func NewNOutMFilter(id string, enabled bool, cfg NOutMFilterConfig) *NOutMFilter {
	return &NOutMFilter{
		BaseNode: core.NewBaseNode(id, core.NodeKindFilter, "n_out_m_filter", enabled),
		cfg:      cfg,
	}
}

func (n *NOutMFilter) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "n", n.cfg.N)
		tr.AddNodeDetail(n.ID(), "m", n.cfg.M)
		tr.AddNodeDetail(n.ID(), "key", n.cfg.Key)
		tr.AddNodeDetail(n.ID(), "input_size", len(cands))
	}

	if n.cfg.N >= n.cfg.M || n.cfg.N <= 0 || n.cfg.M <= 0 {
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "error", "invalid_config")
		}
		return cands, nil
	}

	walk := cands
	if !n.cfg.PreserveOrder {
		walk = sortByRankingScore(cands)
	}
	out := applyWindowQuota(walk, n.cfg.N, n.cfg.M, n.cfg.Key)

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "filtered_count", len(cands)-len(out))
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

var _ core.Node = (*NOutMFilter)(nil)

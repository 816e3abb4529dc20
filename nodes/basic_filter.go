package nodes

import (
	"context"
	"fmt"
	"slices"

	"github.com/plover-labs/feedflow/core"
)

// BasicFilterConfig configures a BasicFilter node.
type BasicFilterConfig struct {
	FilterRules      []string
	QualityThreshold float64
}

// ParseBasicFilterConfig reads a BasicFilterConfig from a definition map.
func ParseBasicFilterConfig(cfg map[string]any) (BasicFilterConfig, error) {
	var c BasicFilterConfig
	var err error
	if c.FilterRules, err = stringsOption(cfg, "filter_rules", []string{"duplicate", "block", "low_quality"}); err != nil {
		return c, err
	}
	if c.QualityThreshold, err = floatOption(cfg, "quality_threshold", 0.3); err != nil {
		return c, err
	}
	return c, nil
}

// BasicFilter applies the housekeeping rules every feed needs:
// duplicate removal, the user's block list, a quality floor, and
// optionally a sensitive-content drop. Rules run in that fixed order
// and each reports its dropped count to the trace.
type BasicFilter struct {
	core.BaseNode
	cfg BasicFilterConfig
}

// NewBasicFilter creates a basic filter node.
func NewBasicFilter(id string, enabled bool, cfg BasicFilterConfig) *BasicFilter {
	return &BasicFilter{
		BaseNode: core.NewBaseNode(id, core.NodeKindFilter, "basic_filter", enabled),
		cfg:      cfg,
	}
}

func (n *BasicFilter) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "filter_rules", n.cfg.FilterRules)
		tr.AddNodeDetail(n.ID(), "input_size", len(cands))
	}

	out := cands
	dropped := map[string]int{}

	if slices.Contains(n.cfg.FilterRules, "duplicate") {
		before := len(out)
		out = dedupByID(out)
		dropped["duplicate"] = before - len(out)
	}

	if slices.Contains(n.cfg.FilterRules, "block") && rc.UserID != 0 {
		blocked, err := rc.Gateway.UserBlockedItems(ctx, rc.UserID)
		if err != nil {
			return nil, fmt.Errorf("basic filter: blocked items: %w", err)
		}
		before := len(out)
		kept := out[:0:0]
		for _, c := range out {
			if !blocked[c.ID] {
				kept = append(kept, c)
			}
		}
		out = kept
		dropped["block"] = before - len(out)
	}

	if slices.Contains(n.cfg.FilterRules, "low_quality") {
		before := len(out)
		kept := out[:0:0]
		for _, c := range out {
			if c.MatchScore >= n.cfg.QualityThreshold {
				kept = append(kept, c)
			}
		}
		out = kept
		dropped["low_quality"] = before - len(out)
	}

	if slices.Contains(n.cfg.FilterRules, "sensitive") {
		before := len(out)
		kept := out[:0:0]
		for _, c := range out {
			if !c.Sensitive {
				kept = append(kept, c)
			}
		}
		out = kept
		dropped["sensitive"] = before - len(out)
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "filtered_counts", dropped)
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

func dedupByID(cands []*core.Candidate) []*core.Candidate {
	seen := make(map[int64]bool, len(cands))
	out := make([]*core.Candidate, 0, len(cands))
	for _, c := range cands {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

var _ core.Node = (*BasicFilter)(nil)

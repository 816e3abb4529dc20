package nodes

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/plover-labs/feedflow/core"
)

// TagRecallConfig configures a TagRecall node.
type TagRecallConfig struct {
	RecallSize     int
	TagWeightDecay float64
	MinTagMatch    int
	MaxTagMatch    int
}

// ParseTagRecallConfig reads a TagRecallConfig from a definition map.
func ParseTagRecallConfig(cfg map[string]any) (TagRecallConfig, error) {
	var c TagRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.TagWeightDecay, err = floatOption(cfg, "tag_weight_decay", 0.9); err != nil {
		return c, err
	}
	if c.MinTagMatch, err = intOption(cfg, "min_tag_match", 1); err != nil {
		return c, err
	}
	if c.MaxTagMatch, err = intOption(cfg, "max_tag_match", 3); err != nil {
		return c, err
	}
	return c, nil
}

// TagRecall retrieves content whose tags overlap the user's interest
// tags. Earlier user tags carry more weight: the match score for an
// item is the sum of decay^i over every matched tag at position i.
type TagRecall struct {
	core.BaseNode
	cfg TagRecallConfig
}

// NewTagRecall creates a tag recall node.
func NewTagRecall(id string, enabled bool, cfg TagRecallConfig) *TagRecall {
	return &TagRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "tag_recall", enabled),
		cfg:      cfg,
	}
}

// Process loads the user's tags and scores overlapping content.
// Anonymous requests and users without tags yield an empty list.
func (n *TagRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	if rc.UserID == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "user_id", rc.UserID)
	}

	user, err := rc.Gateway.LoadUser(ctx, rc.UserID)
	if err != nil {
		return nil, fmt.Errorf("tag recall: load user: %w", err)
	}
	if user == nil || len(user.Tags) == 0 {
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "error", "user_not_found_or_no_tags")
		}
		return []*core.Candidate{}, nil
	}
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "user_tags", user.Tags)
	}

	usedTags := user.Tags
	if len(usedTags) > n.cfg.MaxTagMatch {
		usedTags = usedTags[:n.cfg.MaxTagMatch]
	}

	items, err := rc.Gateway.ItemsByTagOverlap(ctx, usedTags, []core.ItemKind{core.ItemKindContent}, n.cfg.RecallSize)
	if err != nil {
		return nil, fmt.Errorf("tag recall: %w", err)
	}

	cands := make([]*core.Candidate, 0, len(items))
	for _, it := range items {
		score := 0.0
		var matched []string
		for i, tag := range usedTags {
			if slices.Contains(it.Tags, tag) {
				score += math.Pow(n.cfg.TagWeightDecay, float64(i))
				matched = append(matched, tag)
			}
		}
		if len(matched) < n.cfg.MinTagMatch {
			continue
		}
		c := core.ItemCandidate(it, "tag", score)
		c.MatchedTags = matched
		cands = append(cands, c)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].MatchScore > cands[j].MatchScore
	})
	if len(cands) > n.cfg.RecallSize {
		cands = cands[:n.cfg.RecallSize]
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*TagRecall)(nil)

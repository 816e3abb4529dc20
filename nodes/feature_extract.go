package nodes

import (
	"context"
	"slices"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// FeatureExtractConfig configures a FeatureExtract node.
type FeatureExtractConfig struct {
	FeatureGroups []string
}

// ParseFeatureExtractConfig reads a FeatureExtractConfig from a definition map.
func ParseFeatureExtractConfig(cfg map[string]any) (FeatureExtractConfig, error) {
	var c FeatureExtractConfig
	var err error
	if c.FeatureGroups, err = stringsOption(cfg, "feature_groups", []string{"user", "item", "context", "cross"}); err != nil {
		return c, err
	}
	return c, nil
}

// FeatureExtract annotates candidates with the feature map the ranking
// model consumes. Features are grouped and prefixed: user_*, item_*,
// ctx_* and cross_*. The node does no model I/O and never truncates.
type FeatureExtract struct {
	core.BaseNode
	cfg FeatureExtractConfig
}

// NewFeatureExtract creates a feature-extract node.
func NewFeatureExtract(id string, enabled bool, cfg FeatureExtractConfig) *FeatureExtract {
	return &FeatureExtract{
		BaseNode: core.NewBaseNode(id, core.NodeKindRank, "feature_extract", enabled),
		cfg:      cfg,
	}
}

func (n *FeatureExtract) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "feature_groups", n.cfg.FeatureGroups)
	}

	now := time.Now()
	userFeatures := map[string]any{}
	if rc.UserID != 0 {
		// Activity and diversity are placeholder signals until the
		// feature store lands.
		userFeatures = map[string]any{
			"id":                   rc.UserID,
			"activity_level":       0.8,
			"preference_diversity": 0.6,
		}
	}
	ctxFeatures := n.contextFeatures(rc, now)

	for _, c := range cands {
		itemFeatures := itemFeaturesOf(c, now)
		crossFeatures := crossFeaturesOf(userFeatures, itemFeatures)

		features := make(map[string]any)
		if slices.Contains(n.cfg.FeatureGroups, "user") {
			for k, v := range userFeatures {
				features["user_"+k] = v
			}
		}
		if slices.Contains(n.cfg.FeatureGroups, "item") {
			for k, v := range itemFeatures {
				features["item_"+k] = v
			}
		}
		if slices.Contains(n.cfg.FeatureGroups, "context") {
			for k, v := range ctxFeatures {
				features["ctx_"+k] = v
			}
		}
		if slices.Contains(n.cfg.FeatureGroups, "cross") {
			for k, v := range crossFeatures {
				features["cross_"+k] = v
			}
		}
		c.Features = features
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "feature_count", len(cands[0].Features))
		tr.AddNodeDetail(n.ID(), "output_size", len(cands))
	}
	return cands, nil
}

func (n *FeatureExtract) contextFeatures(rc *core.RequestContext, now time.Time) map[string]any {
	scene := rc.Scene
	if scene == "" {
		scene = "feed"
	}
	device := rc.Device
	if device == "" {
		device = "unknown"
	}
	return map[string]any{
		"hour_of_day": now.Hour(),
		"day_of_week": int(now.Weekday()),
		"scene":       scene,
		"device":      device,
	}
}

func itemFeaturesOf(c *core.Candidate, now time.Time) map[string]any {
	features := map[string]any{
		"id":        c.ID,
		"kind":      c.Kind.String(),
		"tag_count": len(c.Tags),
	}
	if !c.CreatedAt.IsZero() {
		days := now.Sub(c.CreatedAt).Hours() / 24
		features["days_since_creation"] = days
		isRecent := 0
		if days < 7 {
			isRecent = 1
		}
		features["is_recent"] = isRecent
	}
	return features
}

func crossFeaturesOf(userFeatures, itemFeatures map[string]any) map[string]any {
	cross := map[string]any{}
	if len(userFeatures) == 0 || len(itemFeatures) == 0 {
		return cross
	}
	activity, _ := userFeatures["activity_level"].(float64)
	isRecent := 0.0
	if v, ok := itemFeatures["is_recent"].(int); ok {
		isRecent = float64(v)
	}
	cross["activity_x_recency"] = activity * isRecent
	return cross
}

var _ core.Node = (*FeatureExtract)(nil)

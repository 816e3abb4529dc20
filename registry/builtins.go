package registry

import (
	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/nodes"
)

// factory adapts a node's ParseConfig/New pair into a NodeFactory.
// Config errors surface at graph load, never at request time.
func factory[C any, N core.Node](parse func(map[string]any) (C, error), build func(string, bool, C) N) NodeFactory {
	return func(id string, cfg map[string]any, enabled bool) (core.Node, error) {
		c, err := parse(cfg)
		if err != nil {
			return nil, err
		}
		return build(id, enabled, c), nil
	}
}

// registerBuiltins registers every built-in FeedFlow node type.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.MustRegister(NodeTypeDef{
		Type:        "random_recall",
		Kind:        core.NodeKindRecall,
		Description: "Seeded random sample across the configured item kinds",
		New:         factory(nodes.ParseRandomRecallConfig, nodes.NewRandomRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "tag_recall",
		Kind:        core.NodeKindRecall,
		Description: "Items overlapping the user's interest tags, scored by tag rank with decay",
		New:         factory(nodes.ParseTagRecallConfig, nodes.NewTagRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "popular_recall",
		Kind:        core.NodeKindRecall,
		Description: "Items trending by weighted engagement events inside a time window",
		New:         factory(nodes.ParsePopularRecallConfig, nodes.NewPopularRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "vector_recall",
		Kind:        core.NodeKindRecall,
		Description: "Nearest items to the user's embedding above a similarity floor",
		New:         factory(nodes.ParseVectorRecallConfig, nodes.NewVectorRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "multi_hop_recall",
		Kind:        core.NodeKindRecall,
		Description: "Items reached through the user's relation graph, decayed per hop",
		New:         factory(nodes.ParseMultiHopRecallConfig, nodes.NewMultiHopRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "ad_recall",
		Kind:        core.NodeKindRecall,
		Description: "Ad inventory candidates",
		New:         factory(nodes.ParseAdRecallConfig, nodes.NewAdRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "product_recall",
		Kind:        core.NodeKindRecall,
		Description: "Product inventory candidates",
		New:         factory(nodes.ParseProductRecallConfig, nodes.NewProductRecall),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "snake_merge",
		Kind:        core.NodeKindBlend,
		Description: "Weighted round-robin interleave of recall sources",
		New:         factory(nodes.ParseSnakeMergeConfig, nodes.NewSnakeMerge),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "basic_filter",
		Kind:        core.NodeKindFilter,
		Description: "Duplicate, block-list, quality-floor and sensitive-content rules",
		New:         factory(nodes.ParseBasicFilterConfig, nodes.NewBasicFilter),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "user_history_filter",
		Kind:        core.NodeKindFilter,
		Description: "Drops items the user already saw or clicked within a time window",
		New:         factory(nodes.ParseUserHistoryFilterConfig, nodes.NewUserHistoryFilter),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "diversity_filter",
		Kind:        core.NodeKindFilter,
		Description: "Hard per-value caps on diversity fields, best candidates first",
		New:         factory(nodes.ParseDiversityFilterConfig, nodes.NewDiversityFilter),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "n_out_m_filter",
		Kind:        core.NodeKindFilter,
		Description: "Sliding-window quota: at most n of any key value per m outputs",
		New:         factory(nodes.ParseNOutMFilterConfig, nodes.NewNOutMFilter),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "pre_rank",
		Kind:        core.NodeKindRank,
		Description: "Coarse cut of the recall pool by rule score or a lightweight model",
		New:         factory(nodes.ParsePreRankConfig, nodes.NewPreRank),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "feature_extract",
		Kind:        core.NodeKindRank,
		Description: "Annotates candidates with user, item, context and cross features",
		New:         factory(nodes.ParseFeatureExtractConfig, nodes.NewFeatureExtract),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "rank",
		Kind:        core.NodeKindRank,
		Description: "Model-scored fine ranking with rule fallback",
		New:         factory(nodes.ParseRankConfig, nodes.NewRank),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "rerank",
		Kind:        core.NodeKindRank,
		Description: "Greedy diversity reorder with optional N-out-of-M window",
		New:         factory(nodes.ParseRerankConfig, nodes.NewRerank),
	})

	r.MustRegister(NodeTypeDef{
		Type:        "response_format",
		Kind:        core.NodeKindTransform,
		Description: "Formats ranked candidates into client feed items with hydrated content",
		New:         factory(nodes.ParseResponseFormatConfig, nodes.NewResponseFormat),
	})
}

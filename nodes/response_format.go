package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plover-labs/feedflow/core"
)

// unknownAuthor is the display name used until author hydration lands.
const unknownAuthor = "未知作者"

// Tracking carries the client-side event attribution for one feed item.
type Tracking struct {
	EventToken string `json:"event_token"`
	TraceID    string `json:"trace_id"`
}

// FeedItem is the API-facing shape of one recommendation.
type FeedItem struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Position int            `json:"position"`
	Reason   string         `json:"reason,omitempty"`
	Tracking *Tracking      `json:"tracking,omitempty"`
	Content  map[string]any `json:"content,omitempty"`
}

// ResponseFormatConfig configures a ResponseFormat node.
type ResponseFormatConfig struct {
	GenerateReason  bool
	IncludeTracking bool
}

// ParseResponseFormatConfig reads a ResponseFormatConfig from a
// definition map.
func ParseResponseFormatConfig(cfg map[string]any) (ResponseFormatConfig, error) {
	var c ResponseFormatConfig
	var err error
	if c.GenerateReason, err = boolOption(cfg, "generate_reason", true); err != nil {
		return c, err
	}
	if c.IncludeTracking, err = boolOption(cfg, "include_tracking", true); err != nil {
		return c, err
	}
	return c, nil
}

// ResponseFormat turns ranked candidates into FeedItems: 1-indexed
// positions, the best available score, a human-readable reason per
// recall source, and tracking tokens. Content items are hydrated from
// the store in one batched fetch.
type ResponseFormat struct {
	core.BaseNode
	cfg ResponseFormatConfig
}

// NewResponseFormat creates a response-format node.
func NewResponseFormat(id string, enabled bool, cfg ResponseFormatConfig) *ResponseFormat {
	return &ResponseFormat{
		BaseNode: core.NewBaseNode(id, core.NodeKindTransform, "response_format", enabled),
		cfg:      cfg,
	}
}

// Process formats its primary input. Formatting is idempotent: input
// that is already formatted passes through unchanged.
func (n *ResponseFormat) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands, ok := core.AsCandidates(in.Primary)
	if !ok {
		if items, formatted := in.Primary.([]FeedItem); formatted {
			return items, nil
		}
		return nil, fmt.Errorf("response format: unsupported input %T", in.Primary)
	}
	if len(cands) == 0 {
		return []FeedItem{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "input_size", len(cands))
	}

	// One batched fetch hydrates every content item.
	var contentIDs []int64
	for _, c := range cands {
		if c.Kind == core.ItemKindContent {
			contentIDs = append(contentIDs, c.ID)
		}
	}
	rows := map[int64]core.Item{}
	if len(contentIDs) > 0 {
		var err error
		rows, err = rc.Gateway.FetchItems(ctx, contentIDs)
		if err != nil {
			return nil, fmt.Errorf("response format: fetch items: %w", err)
		}
	}

	items := make([]FeedItem, 0, len(cands))
	for i, c := range cands {
		item := FeedItem{
			Type:     c.Kind.String(),
			ID:       fmt.Sprintf("%d", c.ID),
			Score:    c.ScoreOrDefault(),
			Position: i + 1,
		}
		if n.cfg.IncludeTracking {
			traceID := "trace-" + uuid.NewString()
			if tr != nil {
				traceID = tr.ID()
			}
			item.Tracking = &Tracking{
				EventToken: "token-" + uuid.NewString(),
				TraceID:    traceID,
			}
		}
		if n.cfg.GenerateReason {
			item.Reason = reasonFor(c)
		}
		if c.Kind == core.ItemKindContent {
			if row, found := rows[c.ID]; found {
				item.Content = contentOf(row)
			} else {
				item.Content = contentFromCandidate(c)
			}
		}
		items = append(items, item)
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "output_size", len(items))
	}
	return items, nil
}

// reasonFor maps a candidate's recall source to a display reason.
func reasonFor(c *core.Candidate) string {
	switch c.RecallType {
	case "tag":
		if len(c.MatchedTags) > 0 {
			return "基于你感兴趣的" + c.MatchedTags[0]
		}
		return "基于你的兴趣推荐"
	case "popular":
		return "热门推荐"
	case "vector":
		return "与你喜欢的内容相似"
	case "multi_hop":
		return "你可能感兴趣的发现"
	case "random":
		return "随机推荐"
	default:
		return "根据你的兴趣推荐"
	}
}

func contentOf(it core.Item) map[string]any {
	var createdAt any
	if !it.CreatedAt.IsZero() {
		createdAt = it.CreatedAt.Format(time.RFC3339Nano)
	}
	return map[string]any{
		"title":       it.Title,
		"description": it.Content,
		"author":      map[string]any{"id": it.AuthorID, "name": unknownAuthor},
		"created_at":  createdAt,
		"media":       it.Media,
		"tags":        it.Tags,
	}
}

// contentFromCandidate synthesizes the content block when the item row
// is gone (deleted between recall and formatting).
func contentFromCandidate(c *core.Candidate) map[string]any {
	var createdAt any
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.Format(time.RFC3339Nano)
	}
	return map[string]any{
		"title":       c.Title,
		"description": c.Content,
		"author":      map[string]any{"id": c.AuthorID, "name": unknownAuthor},
		"created_at":  createdAt,
		"media":       map[string]any{},
		"tags":        c.Tags,
	}
}

var _ core.Node = (*ResponseFormat)(nil)

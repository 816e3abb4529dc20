package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// Event types map onto metric names: an impression event counts toward
// the pv metric, every other event type is its own metric.
var popularEventMetrics = []struct {
	event  string
	metric string
}{
	{"impression", "pv"},
	{"like", "like"},
	{"comment", "comment"},
	{"share", "share"},
	{"favorite", "favorite"},
}

// PopularRecallConfig configures a PopularRecall node.
type PopularRecallConfig struct {
	RecallSize int
	TimeWindow string
	Window     time.Duration
	Metrics    []string
	Weights    map[string]float64
}

// ParsePopularRecallConfig reads a PopularRecallConfig from a definition map.
func ParsePopularRecallConfig(cfg map[string]any) (PopularRecallConfig, error) {
	var c PopularRecallConfig
	var err error
	if c.RecallSize, err = intOption(cfg, "recall_size", 100); err != nil {
		return c, err
	}
	if c.TimeWindow, err = stringOption(cfg, "time_window", "1d"); err != nil {
		return c, err
	}
	if c.Window, err = parseTimeWindow(c.TimeWindow); err != nil {
		return c, err
	}
	if c.Metrics, err = stringsOption(cfg, "metrics", []string{"pv", "like", "comment"}); err != nil {
		return c, err
	}
	if c.Weights, err = floatMapOption(cfg, "weights", map[string]float64{
		"pv": 1, "like": 3, "comment": 5, "share": 7, "favorite": 10,
	}); err != nil {
		return c, err
	}
	return c, nil
}

// PopularRecall retrieves the hottest content in a recent window. Each
// item's popularity is the weighted sum of its event counts; the
// weights favor high-intent events over raw impressions.
type PopularRecall struct {
	core.BaseNode
	cfg PopularRecallConfig
}

// NewPopularRecall creates a popular recall node.
func NewPopularRecall(id string, enabled bool, cfg PopularRecallConfig) *PopularRecall {
	return &PopularRecall{
		BaseNode: core.NewBaseNode(id, core.NodeKindRecall, "popular_recall", enabled),
		cfg:      cfg,
	}
}

// Process aggregates event counts since the window start and returns
// the top candidates by weighted popularity.
func (n *PopularRecall) Process(ctx context.Context, rc *core.RequestContext, _ core.NodeInput) (any, error) {
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "time_window", n.cfg.TimeWindow)
		tr.AddNodeDetail(n.ID(), "metrics", n.cfg.Metrics)
	}

	// Translate configured metrics into the event types to aggregate,
	// keeping the weight lookup keyed by event type.
	events := make([]string, 0, len(popularEventMetrics))
	weights := make(map[string]float64, len(popularEventMetrics))
	for _, em := range popularEventMetrics {
		active := false
		for _, m := range n.cfg.Metrics {
			if m == em.metric {
				active = true
				break
			}
		}
		if !active {
			continue
		}
		events = append(events, em.event)
		weights[em.event] = n.cfg.Weights[em.metric]
	}
	if len(events) == 0 {
		if tr != nil {
			tr.AddNodeDetail(n.ID(), "error", "no_valid_event_types")
		}
		return []*core.Candidate{}, nil
	}

	since := time.Now().Add(-n.cfg.Window)
	scored, err := rc.Gateway.PopularityByWindow(ctx, events, since, n.cfg.RecallSize, weights)
	if err != nil {
		return nil, fmt.Errorf("popular recall: %w", err)
	}

	cands := make([]*core.Candidate, 0, len(scored))
	for _, s := range scored {
		c := core.ItemCandidate(s.Item, "popular", s.Score)
		c.Popularity = s.Score
		cands = append(cands, c)
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "candidates_count", len(cands))
	}
	return cands, nil
}

var _ core.Node = (*PopularRecall)(nil)

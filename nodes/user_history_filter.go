package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// UserHistoryFilterConfig configures a UserHistoryFilter node.
type UserHistoryFilterConfig struct {
	EventTypes []string
	TimeWindow string
	Window     time.Duration
}

// ParseUserHistoryFilterConfig reads a UserHistoryFilterConfig from a
// definition map.
func ParseUserHistoryFilterConfig(cfg map[string]any) (UserHistoryFilterConfig, error) {
	var c UserHistoryFilterConfig
	var err error
	if c.EventTypes, err = stringsOption(cfg, "event_types", []string{"impression", "click"}); err != nil {
		return c, err
	}
	if c.TimeWindow, err = stringOption(cfg, "time_window", "7d"); err != nil {
		return c, err
	}
	if c.Window, err = parseTimeWindow(c.TimeWindow); err != nil {
		return c, err
	}
	return c, nil
}

// UserHistoryFilter drops items the user already interacted with in a
// recent window. Anonymous requests pass through untouched.
type UserHistoryFilter struct {
	core.BaseNode
	cfg UserHistoryFilterConfig
}

// NewUserHistoryFilter creates a user-history filter node.
func NewUserHistoryFilter(id string, enabled bool, cfg UserHistoryFilterConfig) *UserHistoryFilter {
	return &UserHistoryFilter{
		BaseNode: core.NewBaseNode(id, core.NodeKindFilter, "user_history_filter", enabled),
		cfg:      cfg,
	}
}

func (n *UserHistoryFilter) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	cands := in.Candidates()
	if len(cands) == 0 || rc.UserID == 0 {
		return cands, nil
	}
	tr := rc.Trace
	if tr != nil {
		tr.AddNodeDetail(n.ID(), "event_types", n.cfg.EventTypes)
		tr.AddNodeDetail(n.ID(), "time_window", n.cfg.TimeWindow)
		tr.AddNodeDetail(n.ID(), "input_size", len(cands))
	}

	since := time.Now().Add(-n.cfg.Window)
	history, err := rc.Gateway.UserHistoryItems(ctx, rc.UserID, n.cfg.EventTypes, since)
	if err != nil {
		return nil, fmt.Errorf("user history filter: %w", err)
	}

	out := make([]*core.Candidate, 0, len(cands))
	for _, c := range cands {
		if !history[c.ID] {
			out = append(out, c)
		}
	}

	if tr != nil {
		tr.AddNodeDetail(n.ID(), "history_count", len(history))
		tr.AddNodeDetail(n.ID(), "filtered_count", len(cands)-len(out))
		tr.AddNodeDetail(n.ID(), "output_size", len(out))
	}
	return out, nil
}

var _ core.Node = (*UserHistoryFilter)(nil)

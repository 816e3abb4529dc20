package nodes

import (
	"context"
	"math/rand"
	"sort"

	"github.com/plover-labs/feedflow/core"
)

// SnakeMergeConfig configures a SnakeMerge node.
type SnakeMergeConfig struct {
	SourceWeights map[string]float64
	DefaultWeight float64
	OutputSize    int
	Deduplicate   bool
	RandomStart   bool
}

// ParseSnakeMergeConfig reads a SnakeMergeConfig from a definition map.
func ParseSnakeMergeConfig(cfg map[string]any) (SnakeMergeConfig, error) {
	var c SnakeMergeConfig
	var err error
	if c.SourceWeights, err = floatMapOption(cfg, "source_weights", map[string]float64{}); err != nil {
		return c, err
	}
	if c.DefaultWeight, err = floatOption(cfg, "default_weight", 1.0); err != nil {
		return c, err
	}
	if c.OutputSize, err = intOption(cfg, "output_size", 100); err != nil {
		return c, err
	}
	if c.Deduplicate, err = boolOption(cfg, "deduplicate", true); err != nil {
		return c, err
	}
	if c.RandomStart, err = boolOption(cfg, "random_start", true); err != nil {
		return c, err
	}
	return c, nil
}

// SnakeMerge interleaves the recall sources feeding it. Each source
// gets a slot budget proportional to its weight, leftover slots go to
// the deepest pools, and the merge walks the sources round-robin so no
// single recall dominates the head of the feed. Candidates are stamped
// with the source node id they came from.
type SnakeMerge struct {
	core.BaseNode
	cfg SnakeMergeConfig
}

// NewSnakeMerge creates a snake-merge blend node.
func NewSnakeMerge(id string, enabled bool, cfg SnakeMergeConfig) *SnakeMerge {
	return &SnakeMerge{
		BaseNode: core.NewBaseNode(id, core.NodeKindBlend, "snake_merge", enabled),
		cfg:      cfg,
	}
}

func (n *SnakeMerge) Process(ctx context.Context, rc *core.RequestContext, in core.NodeInput) (any, error) {
	srcs, order := in.CandidateSources()
	if len(order) == 0 {
		return []*core.Candidate{}, nil
	}
	tr := rc.Trace
	if tr != nil {
		for _, s := range order {
			tr.AddNodeDetail(n.ID(), "source_"+s+"_count", len(srcs[s]))
		}
	}

	// Only sources that actually produced candidates join the merge.
	queues := make(map[string][]*core.Candidate, len(order))
	var active []string
	for _, s := range order {
		if len(srcs[s]) > 0 {
			queues[s] = srcs[s]
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return []*core.Candidate{}, nil
	}

	weights := make(map[string]float64, len(active))
	total := 0.0
	for _, s := range active {
		w, ok := n.cfg.SourceWeights[s]
		if !ok {
			w = n.cfg.DefaultWeight
		}
		weights[s] = w
		total += w
	}
	if total > 0 {
		for s := range weights {
			weights[s] /= total
		}
	}

	targets := make(map[string]int, len(active))
	remaining := n.cfg.OutputSize
	for _, s := range active {
		count := int(float64(n.cfg.OutputSize) * weights[s])
		if count > len(queues[s]) {
			count = len(queues[s])
		}
		targets[s] = count
		remaining -= count
	}
	if remaining > 0 {
		// Deepest pools absorb the leftover slots.
		bySize := make([]string, len(active))
		copy(bySize, active)
		sort.SliceStable(bySize, func(i, j int) bool {
			return len(queues[bySize[i]]) > len(queues[bySize[j]])
		})
		for _, s := range bySize {
			extra := len(queues[s]) - targets[s]
			if extra > remaining {
				extra = remaining
			}
			if extra > 0 {
				targets[s] += extra
				remaining -= extra
			}
			if remaining <= 0 {
				break
			}
		}
	}
	if tr != nil {
		for _, s := range active {
			tr.AddNodeDetail(n.ID(), "target_"+s+"_count", targets[s])
		}
	}

	rotation := active
	if n.cfg.RandomStart && len(rotation) > 1 {
		rng := rand.New(rand.NewSource(rc.Seed))
		start := rng.Intn(len(rotation))
		rotation = append(rotation[start:], rotation[:start]...)
	}

	result := make([]*core.Candidate, 0, n.cfg.OutputSize)
	emitted := make(map[string]int, len(rotation))
	retired := make(map[string]bool, len(rotation))
	seen := make(map[int64]bool)
	live := len(rotation)

	for len(result) < n.cfg.OutputSize && live > 0 {
		for _, s := range rotation {
			if retired[s] {
				continue
			}
			// A source leaves the rotation once its budget is spent or
			// its queue runs dry; zero-budget sources never emit.
			if emitted[s] >= targets[s] || len(queues[s]) == 0 {
				retired[s] = true
				live--
				continue
			}
			c := queues[s][0]
			queues[s] = queues[s][1:]
			if n.cfg.Deduplicate {
				if seen[c.ID] {
					continue
				}
				seen[c.ID] = true
			}
			c.Source = s
			result = append(result, c)
			emitted[s]++
			if len(result) >= n.cfg.OutputSize {
				break
			}
		}
	}

	if tr != nil {
		for _, s := range rotation {
			if emitted[s] > 0 {
				tr.AddNodeDetail(n.ID(), "final_"+s+"_count", emitted[s])
			}
		}
	}
	return result, nil
}

var _ core.Node = (*SnakeMerge)(nil)

package nodes

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/trace"
)

// fakeGateway serves canned data and records the arguments nodes pass
// through, so tests can assert both directions of the contract.
type fakeGateway struct {
	items     []core.Item
	user      *core.User
	embedding []float64
	nearest   []core.ScoredItem
	popular   []core.ScoredItem
	multiHop  []core.ScoredItem
	blocked   map[int64]bool
	history   map[int64]bool
	rows      map[int64]core.Item
	err       error

	sampleKinds    []core.ItemKind
	sampleSeed     int64
	tagArgs        []string
	popularEvents  []string
	popularWeights map[string]float64
	fetchedIDs     []int64
	rollbacks      int
}

func (g *fakeGateway) SampleItems(_ context.Context, kinds []core.ItemKind, limit int, seed int64) ([]core.Item, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.sampleKinds = kinds
	g.sampleSeed = seed
	return g.byKinds(kinds, limit), nil
}

func (g *fakeGateway) LoadUser(context.Context, int64) (*core.User, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.user, nil
}

func (g *fakeGateway) ItemsByTagOverlap(_ context.Context, tags []string, kinds []core.ItemKind, limit int) ([]core.Item, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.tagArgs = tags
	var out []core.Item
	for _, it := range g.byKinds(kinds, limit) {
		for _, tag := range tags {
			if slices.Contains(it.Tags, tag) {
				out = append(out, it)
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGateway) PopularityByWindow(_ context.Context, eventTypes []string, _ time.Time, _ int, weights map[string]float64) ([]core.ScoredItem, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.popularEvents = eventTypes
	g.popularWeights = weights
	return g.popular, nil
}

func (g *fakeGateway) LoadUserEmbedding(context.Context, int64) ([]float64, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.embedding, nil
}

func (g *fakeGateway) NearestItems(context.Context, []float64, string, int) ([]core.ScoredItem, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.nearest, nil
}

func (g *fakeGateway) MultiHopItems(context.Context, int64, []string, int, float64, int) ([]core.ScoredItem, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.multiHop, nil
}

func (g *fakeGateway) ItemsByKind(_ context.Context, kind core.ItemKind, limit int) ([]core.Item, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.byKinds([]core.ItemKind{kind}, limit), nil
}

func (g *fakeGateway) UserBlockedItems(context.Context, int64) (map[int64]bool, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.blocked, nil
}

func (g *fakeGateway) UserHistoryItems(context.Context, int64, []string, time.Time) (map[int64]bool, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.history, nil
}

func (g *fakeGateway) FetchItems(_ context.Context, ids []int64) (map[int64]core.Item, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.fetchedIDs = ids
	out := make(map[int64]core.Item, len(ids))
	for _, id := range ids {
		if it, ok := g.rows[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

func (g *fakeGateway) Begin(context.Context) error  { return nil }
func (g *fakeGateway) Commit(context.Context) error { return nil }
func (g *fakeGateway) Rollback(context.Context) error {
	g.rollbacks++
	return nil
}
func (g *fakeGateway) Poisoned() bool { return g.rollbacks > 0 }

func (g *fakeGateway) byKinds(kinds []core.ItemKind, limit int) []core.Item {
	var out []core.Item
	for _, it := range g.items {
		if len(kinds) > 0 && !slices.Contains(kinds, it.Kind) {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

var _ core.DataGateway = (*fakeGateway)(nil)

func testContext(g core.DataGateway, userID int64) *core.RequestContext {
	return &core.RequestContext{
		Gateway: g,
		UserID:  userID,
		Count:   10,
		Seed:    42,
		Trace:   trace.New(),
	}
}

func contentItem(id int64, tags ...string) core.Item {
	return core.Item{
		ID:        id,
		Kind:      core.ItemKindContent,
		Title:     "item",
		Tags:      tags,
		AuthorID:  id % 10,
		CreatedAt: time.Now().Add(-time.Duration(id) * time.Hour),
	}
}

func candidateList(cands ...*core.Candidate) core.NodeInput {
	list := cands
	return core.NodeInput{
		Primary: list,
		Sources: map[string]any{"upstream": list},
		Order:   []string{"upstream"},
	}
}

func scored(id int64, author int64, score float64) *core.Candidate {
	return &core.Candidate{
		ID:         id,
		Kind:       core.ItemKindContent,
		AuthorID:   author,
		MatchScore: score,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

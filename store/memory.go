package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// MemoryStore is a thread-safe in-memory backend. It backs tests, seed
// tooling and single-process runs where durability does not matter.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]core.User
	items     map[int64]core.Item
	itemOrder []int64 // insertion order
	events    []Event
	relations []Relation
	userVecs  map[int64][]float64
	itemVecs  map[int64][]float64
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]core.User),
		items:    make(map[int64]core.Item),
		userVecs: make(map[int64][]float64),
		itemVecs: make(map[int64][]float64),
	}
}

// Close is a no-op; it exists to satisfy Backend.
func (m *MemoryStore) Close() error { return nil }

// Gateway returns a request-scoped gateway over the shared data. Each
// gateway carries its own transaction state.
func (m *MemoryStore) Gateway() core.DataGateway {
	return &memoryGateway{store: m}
}

func (m *MemoryStore) AddUser(ctx context.Context, u core.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) AddItem(ctx context.Context, it core.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[it.ID]; !exists {
		m.itemOrder = append(m.itemOrder, it.ID)
	}
	m.items[it.ID] = it
	return nil
}

func (m *MemoryStore) AddEvent(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) AddRelation(ctx context.Context, rel Relation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rel.Status == "" {
		rel.Status = RelationActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relations = append(m.relations, rel)
	return nil
}

func (m *MemoryStore) SetUserEmbedding(ctx context.Context, userID int64, vec []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userVecs[userID] = append([]float64(nil), vec...)
	return nil
}

func (m *MemoryStore) SetItemEmbedding(ctx context.Context, itemID int64, vec []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemVecs[itemID] = append([]float64(nil), vec...)
	return nil
}

// memoryGateway is one request's view of a MemoryStore. Transactions are
// advisory: the memory backend never mutates during a request, so Begin
// and Commit only track lifecycle state for the pipeline's benefit.
type memoryGateway struct {
	store    *MemoryStore
	txOpen   bool
	poisoned bool
}

var _ core.DataGateway = (*memoryGateway)(nil)

func (g *memoryGateway) Begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.txOpen {
		return ErrTxOpen
	}
	g.txOpen = true
	g.poisoned = false
	return nil
}

func (g *memoryGateway) Commit(context.Context) error {
	if !g.txOpen {
		return ErrNoTx
	}
	g.txOpen = false
	return nil
}

func (g *memoryGateway) Rollback(context.Context) error {
	if !g.txOpen {
		return ErrNoTx
	}
	g.txOpen = false
	g.poisoned = true
	return nil
}

func (g *memoryGateway) Poisoned() bool { return g.poisoned }

func (g *memoryGateway) SampleItems(ctx context.Context, kinds []core.ItemKind, limit int, seed int64) ([]core.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	ids := make([]int64, 0, len(g.store.itemOrder))
	for _, id := range g.store.itemOrder {
		if kindMatch(kinds, g.store.items[id].Kind) {
			ids = append(ids, id)
		}
	}
	seededShuffle(ids, seed)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]core.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.store.items[id])
	}
	return out, nil
}

func (g *memoryGateway) LoadUser(ctx context.Context, id int64) (*core.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	u, ok := g.store.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (g *memoryGateway) ItemsByTagOverlap(ctx context.Context, tags []string, kinds []core.ItemKind, limit int) ([]core.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	var out []core.Item
	for _, id := range g.store.itemOrder {
		it := g.store.items[id]
		if !kindMatch(kinds, it.Kind) || !tagOverlap(it.Tags, tags) {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *memoryGateway) PopularityByWindow(ctx context.Context, eventTypes []string, since time.Time, limit int, weights map[string]float64) ([]core.ScoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	scores := make(map[int64]float64)
	for _, ev := range g.store.events {
		if ev.Time.Before(since) || !stringIn(eventTypes, ev.Type) {
			continue
		}
		it, ok := g.store.items[ev.ItemID]
		if !ok || it.Kind != core.ItemKindContent {
			continue
		}
		scores[ev.ItemID] += weights[ev.Type]
	}
	return g.hydrateScored(topByScore(scores, limit)), nil
}

func (g *memoryGateway) LoadUserEmbedding(ctx context.Context, userID int64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	vec, ok := g.store.userVecs[userID]
	if !ok {
		return nil, nil
	}
	return append([]float64(nil), vec...), nil
}

func (g *memoryGateway) NearestItems(ctx context.Context, vector []float64, metric string, limit int) ([]core.ScoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	vectors := make(map[int64][]float64, len(g.store.itemVecs))
	for id, vec := range g.store.itemVecs {
		if it, ok := g.store.items[id]; ok && it.Kind == core.ItemKindContent {
			vectors[id] = vec
		}
	}
	ranked, err := rankNearest(vectors, vector, metric, limit)
	if err != nil {
		return nil, err
	}
	return g.hydrateScored(ranked), nil
}

func (g *memoryGateway) MultiHopItems(ctx context.Context, userID int64, relationTypes []string, maxHops int, decay float64, limit int) ([]core.ScoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	// Items the user touched directly. They seed the walk but never
	// appear in the result.
	direct := make(map[int64]bool)
	for _, r := range g.store.relations {
		if r.UserID == userID && r.Status == RelationActive && stringIn(relationTypes, r.Type) {
			direct[r.ItemID] = true
		}
	}

	type walk struct {
		item   int64
		weight float64
	}
	frontier := make([]walk, 0, len(direct))
	for id := range direct {
		frontier = append(frontier, walk{item: id, weight: 1})
	}

	// Every path contributes its decayed weight, so an item reached two
	// ways scores twice.
	scores := make(map[int64]float64)
	for hop := 1; hop < maxHops; hop++ {
		var next []walk
		for _, w := range frontier {
			for _, r1 := range g.store.relations {
				if r1.ItemID != w.item || r1.Status != RelationActive || !stringIn(relationTypes, r1.Type) {
					continue
				}
				for _, r2 := range g.store.relations {
					if r2.UserID != r1.UserID || r2.Status != RelationActive || !stringIn(relationTypes, r2.Type) {
						continue
					}
					if r2.ItemID == w.item || direct[r2.ItemID] {
						continue
					}
					nw := w.weight * decay
					scores[r2.ItemID] += nw
					next = append(next, walk{item: r2.ItemID, weight: nw})
				}
			}
		}
		frontier = next
	}

	for id := range scores {
		if it, ok := g.store.items[id]; !ok || it.Kind != core.ItemKindContent {
			delete(scores, id)
		}
	}
	return g.hydrateScored(topByScore(scores, limit)), nil
}

func (g *memoryGateway) ItemsByKind(ctx context.Context, kind core.ItemKind, limit int) ([]core.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	var out []core.Item
	for _, id := range g.store.itemOrder {
		if it := g.store.items[id]; it.Kind == kind {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memoryGateway) UserBlockedItems(ctx context.Context, userID int64) (map[int64]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	out := make(map[int64]bool)
	for _, r := range g.store.relations {
		if r.UserID == userID && r.Type == RelationBlock && r.Status == RelationActive {
			out[r.ItemID] = true
		}
	}
	return out, nil
}

func (g *memoryGateway) UserHistoryItems(ctx context.Context, userID int64, eventTypes []string, since time.Time) (map[int64]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	out := make(map[int64]bool)
	for _, ev := range g.store.events {
		if ev.UserID == userID && !ev.Time.Before(since) && stringIn(eventTypes, ev.Type) {
			out[ev.ItemID] = true
		}
	}
	return out, nil
}

func (g *memoryGateway) FetchItems(ctx context.Context, ids []int64) (map[int64]core.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	out := make(map[int64]core.Item, len(ids))
	for _, id := range ids {
		if it, ok := g.store.items[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

// hydrateScored resolves scored ids into full items, dropping ids that
// vanished. Callers hold the store lock.
func (g *memoryGateway) hydrateScored(ranked []scoredID) []core.ScoredItem {
	out := make([]core.ScoredItem, 0, len(ranked))
	for _, r := range ranked {
		it, ok := g.store.items[r.id]
		if !ok {
			continue
		}
		out = append(out, core.ScoredItem{Item: it, Score: r.score})
	}
	return out
}

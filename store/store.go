// Package store provides DataGateway implementations: an in-memory
// gateway for tests, seed tooling and single-process runs, and a SQLite
// gateway for persistent deployments.
//
// Both implementations share the scoring helpers in this file so a query
// answered from memory matches the same query answered from disk.
package store

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// Transaction lifecycle errors.
var (
	// ErrTxOpen is returned by Begin when a transaction is already open.
	ErrTxOpen = errors.New("transaction already open")

	// ErrNoTx is returned by Commit when no transaction is open.
	ErrNoTx = errors.New("no open transaction")
)

// Event is one user-item interaction row.
type Event struct {
	UserID int64
	ItemID int64
	Type   string
	Time   time.Time
}

// Relation is one explicit user-item relation row.
type Relation struct {
	UserID int64
	ItemID int64
	Type   string // like, favorite, block
	Status string // active or inactive
}

// Relation lifecycle and type markers.
const (
	// RelationActive marks a relation the pipeline may follow.
	RelationActive = "active"

	// RelationBlock is the relation type behind UserBlockedItems.
	RelationBlock = "block"
)

// Writer is the mutation surface used by seed tooling and tests. Both
// backends satisfy it.
type Writer interface {
	AddUser(ctx context.Context, u core.User) error
	AddItem(ctx context.Context, it core.Item) error
	AddEvent(ctx context.Context, ev Event) error
	AddRelation(ctx context.Context, rel Relation) error
	SetUserEmbedding(ctx context.Context, userID int64, vec []float64) error
	SetItemEmbedding(ctx context.Context, itemID int64, vec []float64) error
}

// Backend is a datastore that can mint request-scoped gateways. The
// server holds one Backend and opens a fresh gateway per request; seed
// tooling writes through the same value.
type Backend interface {
	Writer

	// Gateway returns a gateway with its own transaction state. Gateways
	// are not safe for concurrent use; open one per request.
	Gateway() core.DataGateway

	// Close releases the backend's resources.
	Close() error
}

// scoredID pairs an item id with a query-specific score.
type scoredID struct {
	id    int64
	score float64
}

// cosineDistance returns 1 minus the cosine similarity of a and b.
// Zero-norm vectors are maximally distant. Dimensions beyond the shorter
// vector are ignored.
func cosineDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// l2Distance returns the euclidean distance between a and b. Dimensions
// beyond the shorter vector are ignored.
func l2Distance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// rankNearest scores every stored vector against query under metric and
// returns the closest ids, distance ascending with item id breaking ties.
func rankNearest(vectors map[int64][]float64, query []float64, metric string, limit int) ([]scoredID, error) {
	dist := cosineDistance
	switch metric {
	case "cosine":
	case "l2":
		dist = l2Distance
	default:
		return nil, errors.New("store: unknown distance metric " + metric)
	}

	out := make([]scoredID, 0, len(vectors))
	for id, vec := range vectors {
		out = append(out, scoredID{id: id, score: dist(query, vec)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].id < out[j].id
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// topByScore orders aggregate scores descending, item id ascending on
// ties, and truncates to limit.
func topByScore(scores map[int64]float64, limit int) []scoredID {
	out := make([]scoredID, 0, len(scores))
	for id, s := range scores {
		out = append(out, scoredID{id: id, score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// seededShuffle permutes ids deterministically for a given seed.
func seededShuffle(ids []int64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}

// stringIn reports whether s is in set. Unlike kindMatch an empty set
// matches nothing: callers always name the event or relation types they
// want.
func stringIn(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// kindMatch reports whether kind is in kinds; an empty kinds slice
// matches everything.
func kindMatch(kinds []core.ItemKind, kind core.ItemKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// tagOverlap reports whether the two tag sets intersect.
func tagOverlap(itemTags, queryTags []string) bool {
	for _, it := range itemTags {
		for _, qt := range queryTags {
			if it == qt {
				return true
			}
		}
	}
	return false
}

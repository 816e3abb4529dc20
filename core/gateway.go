package core

import (
	"context"
	"time"
)

// User is the profile slice the recommendation pipeline reads.
type User struct {
	ID   int64    `json:"id"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags,omitempty"` // interest tags, most significant first
}

// Item is a stored feed item as the gateway returns it.
type Item struct {
	ID        int64          `json:"id"`
	Kind      ItemKind       `json:"kind"`
	Title     string         `json:"title,omitempty"`
	Content   string         `json:"content,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	AuthorID  int64          `json:"author_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Media     map[string]any `json:"media,omitempty"`
	Sensitive bool           `json:"sensitive,omitempty"`
}

// ScoredItem pairs an item with a gateway-computed score: popularity,
// vector distance or relation weight depending on the query.
type ScoredItem struct {
	Item  Item
	Score float64
}

// DataGateway is the storage interface recall and filter nodes consume.
// Implementations live in the store package; nodes depend only on this
// interface so tests can substitute fakes.
//
// A gateway is request-scoped: at most one transaction is open at a time,
// and Rollback after a failure poisons the gateway until a fresh Begin.
type DataGateway interface {
	// SampleItems returns up to limit items of the given kinds in an order
	// derived from seed. An empty kinds slice means every kind.
	SampleItems(ctx context.Context, kinds []ItemKind, limit int, seed int64) ([]Item, error)

	// LoadUser resolves a user profile. Missing users return (nil, nil).
	LoadUser(ctx context.Context, id int64) (*User, error)

	// ItemsByTagOverlap returns items of the given kinds sharing at least
	// one tag with tags.
	ItemsByTagOverlap(ctx context.Context, tags []string, kinds []ItemKind, limit int) ([]Item, error)

	// PopularityByWindow aggregates weighted event counts per content item
	// since the given time and returns the top items by aggregate score.
	PopularityByWindow(ctx context.Context, eventTypes []string, since time.Time, limit int, weights map[string]float64) ([]ScoredItem, error)

	// LoadUserEmbedding returns the user's vector, or nil when absent.
	LoadUserEmbedding(ctx context.Context, userID int64) ([]float64, error)

	// NearestItems returns content items nearest to vector under metric
	// ("cosine" or "l2"). Score carries the raw distance.
	NearestItems(ctx context.Context, vector []float64, metric string, limit int) ([]ScoredItem, error)

	// MultiHopItems walks the relation graph from userID up to maxHops,
	// decaying weight per hop, and returns reachable content items
	// excluding the ones the user touched directly.
	MultiHopItems(ctx context.Context, userID int64, relationTypes []string, maxHops int, decay float64, limit int) ([]ScoredItem, error)

	// ItemsByKind lists items of one kind, newest first.
	ItemsByKind(ctx context.Context, kind ItemKind, limit int) ([]Item, error)

	// UserBlockedItems returns the set of item ids the user blocked.
	UserBlockedItems(ctx context.Context, userID int64) (map[int64]bool, error)

	// UserHistoryItems returns the set of item ids the user touched with
	// the given event types since the given time.
	UserHistoryItems(ctx context.Context, userID int64, eventTypes []string, since time.Time) (map[int64]bool, error)

	// FetchItems loads full rows for the given ids in one round trip.
	FetchItems(ctx context.Context, ids []int64) (map[int64]Item, error)

	// Begin, Commit and Rollback bracket a request's unit of work.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Poisoned reports whether the current unit of work was rolled back.
	// The pipeline consults it before committing; Begin clears it.
	Poisoned() bool
}

// ItemCandidate converts a stored item into a fresh candidate with the
// given recall stamp and score.
func ItemCandidate(it Item, recallType string, score float64) *Candidate {
	return &Candidate{
		ID:         it.ID,
		Kind:       it.Kind,
		Title:      it.Title,
		Content:    it.Content,
		Tags:       cloneStrings(it.Tags),
		AuthorID:   it.AuthorID,
		CreatedAt:  it.CreatedAt,
		MatchScore: score,
		RecallType: recallType,
		Sensitive:  it.Sensitive,
	}
}

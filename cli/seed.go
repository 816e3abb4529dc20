package cli

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plover-labs/feedflow/core"
	"github.com/plover-labs/feedflow/store"
)

// NewSeedCmd creates the "seed" subcommand.
func NewSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate a store with synthetic users, items and events",
		Long:  "Seed writes a deterministic synthetic dataset into a SQLite database so a fresh checkout can serve non-empty feed pages.",
		Args:  cobra.NoArgs,
		RunE:  runSeed,
	}

	cmd.Flags().String("db", "", "SQLite database path (required)")
	cmd.Flags().Int("users", 20, "Number of users")
	cmd.Flags().Int("items", 200, "Number of items")
	cmd.Flags().Int("events", 1000, "Number of interaction events")
	cmd.Flags().Int64("seed", 42, "Random seed")

	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	dsn, _ := cmd.Flags().GetString("db")
	if strings.TrimSpace(dsn) == "" {
		return exitError(exitValidation, "--db is required: seeding an in-memory store would not outlive the command")
	}

	users, _ := cmd.Flags().GetInt("users")
	items, _ := cmd.Flags().GetInt("items")
	events, _ := cmd.Flags().GetInt("events")
	seed, _ := cmd.Flags().GetInt64("seed")

	backend, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return exitError(exitRuntime, "opening store: %v", err)
	}
	defer func() {
		_ = backend.Close()
	}()

	counts, err := seedStore(cmd.Context(), backend, seedPlan{
		Users:  users,
		Items:  items,
		Events: events,
		Seed:   seed,
	})
	if err != nil {
		return exitError(exitRuntime, "seeding store: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d users, %d items, %d events, %d relations into %s\n",
		counts.Users, counts.Items, counts.Events, counts.Relations, dsn)
	return nil
}

// seedPlan sizes the synthetic dataset.
type seedPlan struct {
	Users  int
	Items  int
	Events int
	Seed   int64
}

type seedCounts struct {
	Users     int
	Items     int
	Events    int
	Relations int
}

var (
	seedTags       = []string{"go", "distsys", "music", "cooking", "travel", "gaming", "film", "fitness"}
	seedEventTypes = []string{"impression", "click", "like", "collect", "comment"}
)

// seedStore writes a deterministic synthetic dataset through the writer.
// The same seed always produces the same rows, so a seeded database can
// back reproducible demos.
func seedStore(ctx context.Context, w store.Writer, plan seedPlan) (seedCounts, error) {
	rng := rand.New(rand.NewSource(plan.Seed))
	now := time.Now().UTC()
	var counts seedCounts

	for i := 0; i < plan.Users; i++ {
		id := int64(i + 1)
		u := core.User{
			ID:   id,
			Name: fmt.Sprintf("user-%d", id),
			Tags: pickTags(rng, 2+rng.Intn(3)),
		}
		if err := w.AddUser(ctx, u); err != nil {
			return counts, fmt.Errorf("user %d: %w", id, err)
		}
		if err := w.SetUserEmbedding(ctx, id, randomVector(rng, 8)); err != nil {
			return counts, fmt.Errorf("user %d embedding: %w", id, err)
		}
		counts.Users++
	}

	for i := 0; i < plan.Items; i++ {
		id := int64(i + 1)
		it := core.Item{
			ID:        id,
			Kind:      seedKind(rng),
			Title:     fmt.Sprintf("item %d", id),
			Content:   fmt.Sprintf("synthetic item %d", id),
			Tags:      pickTags(rng, 1+rng.Intn(3)),
			AuthorID:  int64(1 + rng.Intn(50)),
			CreatedAt: now.Add(-time.Duration(rng.Intn(30*24)) * time.Hour),
			Sensitive: rng.Intn(50) == 0,
		}
		if err := w.AddItem(ctx, it); err != nil {
			return counts, fmt.Errorf("item %d: %w", id, err)
		}
		if err := w.SetItemEmbedding(ctx, id, randomVector(rng, 8)); err != nil {
			return counts, fmt.Errorf("item %d embedding: %w", id, err)
		}
		counts.Items++
	}

	if plan.Users == 0 || plan.Items == 0 {
		return counts, nil
	}

	for i := 0; i < plan.Events; i++ {
		ev := store.Event{
			UserID: int64(1 + rng.Intn(plan.Users)),
			ItemID: int64(1 + rng.Intn(plan.Items)),
			Type:   seedEventTypes[rng.Intn(len(seedEventTypes))],
			Time:   now.Add(-time.Duration(rng.Intn(14*24*60)) * time.Minute),
		}
		if err := w.AddEvent(ctx, ev); err != nil {
			return counts, fmt.Errorf("event %d: %w", i, err)
		}
		counts.Events++
	}

	// A sprinkle of explicit relations: likes plus the occasional block.
	for i := 0; i < plan.Users*2; i++ {
		relType := "like"
		if rng.Intn(10) == 0 {
			relType = store.RelationBlock
		}
		rel := store.Relation{
			UserID: int64(1 + rng.Intn(plan.Users)),
			ItemID: int64(1 + rng.Intn(plan.Items)),
			Type:   relType,
			Status: store.RelationActive,
		}
		if err := w.AddRelation(ctx, rel); err != nil {
			return counts, fmt.Errorf("relation %d: %w", i, err)
		}
		counts.Relations++
	}

	return counts, nil
}

// seedKind skews the catalog toward organic content.
func seedKind(rng *rand.Rand) core.ItemKind {
	switch rng.Intn(10) {
	case 0:
		return core.ItemKindAd
	case 1:
		return core.ItemKindProduct
	default:
		return core.ItemKindContent
	}
}

func pickTags(rng *rand.Rand, n int) []string {
	idx := rng.Perm(len(seedTags))
	if n > len(idx) {
		n = len(idx)
	}
	tags := make([]string, 0, n)
	for _, i := range idx[:n] {
		tags = append(tags, seedTags[i])
	}
	return tags
}

func randomVector(rng *rand.Rand, dim int) []float64 {
	vec := make([]float64, dim)
	for i := range vec {
		vec[i] = rng.NormFloat64()
	}
	return vec
}

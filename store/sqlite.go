package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plover-labs/feedflow/core"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

const itemColumns = "id, kind, title, content, tags, author_id, created_at, media, sensitive"

// SQLiteStoreConfig configures the SQLite backend.
type SQLiteStoreConfig struct {
	// DSN is the database connection string, e.g. a file path or
	// "file::memory:?cache=shared" for tests.
	DSN string
}

// SQLiteStore is a SQLite-backed Backend. It enables WAL mode so request
// gateways can read concurrently with seed writes.
type SQLiteStore struct {
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite datastore and applies the
// schema.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store: dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Gateway returns a request-scoped gateway. Transactions map onto real
// SQLite transactions; queries outside a transaction read the live
// database.
func (s *SQLiteStore) Gateway() core.DataGateway {
	return &sqliteGateway{db: s.db}
}

func (s *SQLiteStore) AddUser(ctx context.Context, u core.User) error {
	tags, err := jsonText(u.Tags)
	if err != nil {
		return fmt.Errorf("sqlite store: add user: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (id, name, tags) VALUES (?, ?, ?)",
		u.ID, u.Name, tags)
	if err != nil {
		return fmt.Errorf("sqlite store: add user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddItem(ctx context.Context, it core.Item) error {
	tags, err := jsonText(it.Tags)
	if err != nil {
		return fmt.Errorf("sqlite store: add item: %w", err)
	}
	media, err := jsonText(it.Media)
	if err != nil {
		return fmt.Errorf("sqlite store: add item: %w", err)
	}
	sensitive := 0
	if it.Sensitive {
		sensitive = 1
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO items ("+itemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		it.ID, string(it.Kind), it.Title, it.Content, tags, it.AuthorID,
		timeText(it.CreatedAt), media, sensitive)
	if err != nil {
		return fmt.Errorf("sqlite store: add item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (user_id, item_id, event_type, ts) VALUES (?, ?, ?, ?)",
		ev.UserID, ev.ItemID, ev.Type, timeText(ev.Time))
	if err != nil {
		return fmt.Errorf("sqlite store: add event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddRelation(ctx context.Context, rel Relation) error {
	if rel.Status == "" {
		rel.Status = RelationActive
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO relations (user_id, item_id, relation_type, status) VALUES (?, ?, ?, ?)",
		rel.UserID, rel.ItemID, rel.Type, rel.Status)
	if err != nil {
		return fmt.Errorf("sqlite store: add relation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetUserEmbedding(ctx context.Context, userID int64, vec []float64) error {
	text, err := jsonText(vec)
	if err != nil {
		return fmt.Errorf("sqlite store: set user embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO user_embeddings (user_id, vector) VALUES (?, ?)",
		userID, text)
	if err != nil {
		return fmt.Errorf("sqlite store: set user embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetItemEmbedding(ctx context.Context, itemID int64, vec []float64) error {
	text, err := jsonText(vec)
	if err != nil {
		return fmt.Errorf("sqlite store: set item embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO item_embeddings (item_id, vector) VALUES (?, ?)",
		itemID, text)
	if err != nil {
		return fmt.Errorf("sqlite store: set item embedding: %w", err)
	}
	return nil
}

// querier is the read surface shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteGateway is one request's view of a SQLiteStore.
type sqliteGateway struct {
	db       *sql.DB
	tx       *sql.Tx
	poisoned bool
}

var _ core.DataGateway = (*sqliteGateway)(nil)

func (g *sqliteGateway) q() querier {
	if g.tx != nil {
		return g.tx
	}
	return g.db
}

func (g *sqliteGateway) Begin(ctx context.Context) error {
	if g.tx != nil {
		return ErrTxOpen
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	g.tx = tx
	g.poisoned = false
	return nil
}

func (g *sqliteGateway) Commit(context.Context) error {
	if g.tx == nil {
		return ErrNoTx
	}
	err := g.tx.Commit()
	g.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

func (g *sqliteGateway) Rollback(context.Context) error {
	if g.tx == nil {
		return ErrNoTx
	}
	err := g.tx.Rollback()
	g.tx = nil
	g.poisoned = true
	if err != nil {
		return fmt.Errorf("sqlite store: rollback: %w", err)
	}
	return nil
}

func (g *sqliteGateway) Poisoned() bool { return g.poisoned }

func (g *sqliteGateway) SampleItems(ctx context.Context, kinds []core.ItemKind, limit int, seed int64) ([]core.Item, error) {
	query := "SELECT id FROM items"
	var args []any
	if len(kinds) > 0 {
		query += " WHERE kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += " ORDER BY id"

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: sample items: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: sample items: %w", err)
	}

	seededShuffle(ids, seed)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	byID, err := g.FetchItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]core.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (g *sqliteGateway) LoadUser(ctx context.Context, id int64) (*core.User, error) {
	var (
		u        core.User
		tagsText string
	)
	err := g.q().QueryRowContext(ctx,
		"SELECT id, name, tags FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &tagsText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load user: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsText), &u.Tags); err != nil {
		return nil, fmt.Errorf("sqlite store: load user: decode tags: %w", err)
	}
	return &u, nil
}

func (g *sqliteGateway) ItemsByTagOverlap(ctx context.Context, tags []string, kinds []core.ItemKind, limit int) ([]core.Item, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	query := "SELECT " + itemColumns + " FROM items WHERE EXISTS (" +
		"SELECT 1 FROM json_each(items.tags) WHERE json_each.value IN (" + placeholders(len(tags)) + "))"
	args := make([]any, 0, len(tags)+len(kinds)+1)
	for _, t := range tags {
		args = append(args, t)
	}
	if len(kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limitArg(limit))

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: items by tag overlap: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: items by tag overlap: %w", err)
	}
	return items, nil
}

func (g *sqliteGateway) PopularityByWindow(ctx context.Context, eventTypes []string, since time.Time, limit int, weights map[string]float64) ([]core.ScoredItem, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	query := "SELECT e.item_id, e.event_type, COUNT(*) FROM events e" +
		" JOIN items i ON i.id = e.item_id AND i.kind = ?" +
		" WHERE e.ts >= ? AND e.event_type IN (" + placeholders(len(eventTypes)) + ")" +
		" GROUP BY e.item_id, e.event_type"
	args := []any{string(core.ItemKindContent), timeText(since)}
	for _, t := range eventTypes {
		args = append(args, t)
	}

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: popularity by window: %w", err)
	}
	defer rows.Close()

	scores := make(map[int64]float64)
	for rows.Next() {
		var (
			itemID    int64
			eventType string
			count     float64
		)
		if err := rows.Scan(&itemID, &eventType, &count); err != nil {
			return nil, fmt.Errorf("sqlite store: popularity by window: %w", err)
		}
		scores[itemID] += count * weights[eventType]
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: popularity by window: %w", err)
	}
	return g.hydrateScored(ctx, topByScore(scores, limit))
}

func (g *sqliteGateway) LoadUserEmbedding(ctx context.Context, userID int64) ([]float64, error) {
	var text string
	err := g.q().QueryRowContext(ctx,
		"SELECT vector FROM user_embeddings WHERE user_id = ?", userID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load user embedding: %w", err)
	}
	var vec []float64
	if err := json.Unmarshal([]byte(text), &vec); err != nil {
		return nil, fmt.Errorf("sqlite store: load user embedding: decode: %w", err)
	}
	return vec, nil
}

func (g *sqliteGateway) NearestItems(ctx context.Context, vector []float64, metric string, limit int) ([]core.ScoredItem, error) {
	rows, err := g.q().QueryContext(ctx,
		"SELECT e.item_id, e.vector FROM item_embeddings e"+
			" JOIN items i ON i.id = e.item_id AND i.kind = ?",
		string(core.ItemKindContent))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: nearest items: %w", err)
	}
	defer rows.Close()

	vectors := make(map[int64][]float64)
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("sqlite store: nearest items: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(text), &vec); err != nil {
			return nil, fmt.Errorf("sqlite store: nearest items: decode vector: %w", err)
		}
		vectors[id] = vec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: nearest items: %w", err)
	}

	ranked, err := rankNearest(vectors, vector, metric, limit)
	if err != nil {
		return nil, err
	}
	return g.hydrateScored(ctx, ranked)
}

func (g *sqliteGateway) MultiHopItems(ctx context.Context, userID int64, relationTypes []string, maxHops int, decay float64, limit int) ([]core.ScoredItem, error) {
	if len(relationTypes) == 0 {
		return nil, nil
	}
	in := placeholders(len(relationTypes))
	query := `
WITH RECURSIVE direct(item_id) AS (
	SELECT DISTINCT item_id FROM relations
	WHERE user_id = ? AND status = ? AND relation_type IN (` + in + `)
),
hops(item_id, hop, weight) AS (
	SELECT item_id, 1, 1.0 FROM direct
	UNION ALL
	SELECT r2.item_id, h.hop + 1, h.weight * ?
	FROM hops h
	JOIN relations r1 ON r1.item_id = h.item_id
		AND r1.status = ? AND r1.relation_type IN (` + in + `)
	JOIN relations r2 ON r2.user_id = r1.user_id
		AND r2.status = ? AND r2.relation_type IN (` + in + `)
	WHERE h.hop < ?
		AND r2.item_id != h.item_id
		AND r2.item_id NOT IN (SELECT item_id FROM direct)
)
SELECT h.item_id, SUM(h.weight) AS score
FROM hops h
JOIN items i ON i.id = h.item_id AND i.kind = ?
WHERE h.hop > 1
GROUP BY h.item_id
ORDER BY score DESC, h.item_id ASC
LIMIT ?`

	args := []any{userID, RelationActive}
	for _, t := range relationTypes {
		args = append(args, t)
	}
	args = append(args, decay, RelationActive)
	for _, t := range relationTypes {
		args = append(args, t)
	}
	args = append(args, RelationActive)
	for _, t := range relationTypes {
		args = append(args, t)
	}
	args = append(args, maxHops, string(core.ItemKindContent), limitArg(limit))

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: multi hop items: %w", err)
	}
	defer rows.Close()

	var ranked []scoredID
	for rows.Next() {
		var r scoredID
		if err := rows.Scan(&r.id, &r.score); err != nil {
			return nil, fmt.Errorf("sqlite store: multi hop items: %w", err)
		}
		ranked = append(ranked, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: multi hop items: %w", err)
	}
	return g.hydrateScored(ctx, ranked)
}

func (g *sqliteGateway) ItemsByKind(ctx context.Context, kind core.ItemKind, limit int) ([]core.Item, error) {
	rows, err := g.q().QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE kind = ?"+
			" ORDER BY created_at DESC, id DESC LIMIT ?",
		string(kind), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: items by kind: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: items by kind: %w", err)
	}
	return items, nil
}

func (g *sqliteGateway) UserBlockedItems(ctx context.Context, userID int64) (map[int64]bool, error) {
	rows, err := g.q().QueryContext(ctx,
		"SELECT DISTINCT item_id FROM relations"+
			" WHERE user_id = ? AND relation_type = ? AND status = ?",
		userID, RelationBlock, RelationActive)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: user blocked items: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: user blocked items: %w", err)
	}
	return idSet(ids), nil
}

func (g *sqliteGateway) UserHistoryItems(ctx context.Context, userID int64, eventTypes []string, since time.Time) (map[int64]bool, error) {
	if len(eventTypes) == 0 {
		return map[int64]bool{}, nil
	}
	query := "SELECT DISTINCT item_id FROM events" +
		" WHERE user_id = ? AND ts >= ? AND event_type IN (" + placeholders(len(eventTypes)) + ")"
	args := []any{userID, timeText(since)}
	for _, t := range eventTypes {
		args = append(args, t)
	}

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: user history items: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: user history items: %w", err)
	}
	return idSet(ids), nil
}

func (g *sqliteGateway) FetchItems(ctx context.Context, ids []int64) (map[int64]core.Item, error) {
	out := make(map[int64]core.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := "SELECT " + itemColumns + " FROM items WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := g.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetch items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetch items: %w", err)
	}
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

// hydrateScored fetches full rows for ranked ids, preserving rank order.
func (g *sqliteGateway) hydrateScored(ctx context.Context, ranked []scoredID) ([]core.ScoredItem, error) {
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	byID, err := g.FetchItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]core.ScoredItem, 0, len(ranked))
	for _, r := range ranked {
		if it, ok := byID[r.id]; ok {
			out = append(out, core.ScoredItem{Item: it, Score: r.score})
		}
	}
	return out, nil
}

// scanItems drains rows of itemColumns into items. It closes rows.
func scanItems(rows *sql.Rows) ([]core.Item, error) {
	defer rows.Close()

	var out []core.Item
	for rows.Next() {
		var (
			it        core.Item
			kind      string
			tagsText  string
			createdAt string
			mediaText string
			sensitive int
		)
		if err := rows.Scan(&it.ID, &kind, &it.Title, &it.Content, &tagsText,
			&it.AuthorID, &createdAt, &mediaText, &sensitive); err != nil {
			return nil, err
		}
		it.Kind = core.ItemKind(kind)
		it.Sensitive = sensitive != 0
		if err := json.Unmarshal([]byte(tagsText), &it.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for item %d: %w", it.ID, err)
		}
		if mediaText != "" && mediaText != "{}" {
			if err := json.Unmarshal([]byte(mediaText), &it.Media); err != nil {
				return nil, fmt.Errorf("decode media for item %d: %w", it.ID, err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for item %d: %w", it.ID, err)
		}
		it.CreatedAt = ts
		out = append(out, it)
	}
	return out, rows.Err()
}

// scanIDs drains single-column id rows. It closes rows.
func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func idSet(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeText formats a timestamp the way every table stores one. RFC 3339
// UTC text compares lexicographically in the window queries.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func jsonText(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// limitArg maps "no limit" onto SQLite's negative LIMIT convention.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

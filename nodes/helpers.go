package nodes

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/plover-labs/feedflow/core"
)

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// toInt attempts to convert a value to int. Fractional floats are
// truncated, matching JSON number decoding.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// toStrings converts a config list value to []string.
func toStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		out := make([]string, len(s))
		copy(out, s)
		return out, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// intOption reads an optional integer key, applying def when absent.
func intOption(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", core.ErrInvalidConfig, key, v)
	}
	return n, nil
}

// floatOption reads an optional number key, applying def when absent.
func floatOption(cfg map[string]any, key string, def float64) (float64, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %T", core.ErrInvalidConfig, key, v)
	}
	return f, nil
}

// stringOption reads an optional string key, applying def when absent.
func stringOption(cfg map[string]any, key, def string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", core.ErrInvalidConfig, key, v)
	}
	return s, nil
}

// boolOption reads an optional boolean key, applying def when absent.
func boolOption(cfg map[string]any, key string, def bool) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", core.ErrInvalidConfig, key, v)
	}
	return b, nil
}

// stringsOption reads an optional string-list key, applying def when
// absent. The default is copied so callers can mutate freely.
func stringsOption(cfg map[string]any, key string, def []string) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		out := make([]string, len(def))
		copy(out, def)
		return out, nil
	}
	list, ok := toStrings(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", core.ErrInvalidConfig, key, v)
	}
	return list, nil
}

// floatMapOption reads an optional string-to-number map key.
func floatMapOption(cfg map[string]any, key string, def map[string]float64) (map[string]float64, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		out := make(map[string]float64, len(def))
		for k, f := range def {
			out[k] = f
		}
		return out, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a map of numbers, got %T", core.ErrInvalidConfig, key, v)
	}
	out := make(map[string]float64, len(raw))
	for k, item := range raw {
		f, ok := toFloat64(item)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must be a number, got %T", core.ErrInvalidConfig, key, k, item)
		}
		out[k] = f
	}
	return out, nil
}

// intMapOption reads an optional string-to-integer map key.
func intMapOption(cfg map[string]any, key string, def map[string]int) (map[string]int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		out := make(map[string]int, len(def))
		for k, n := range def {
			out[k] = n
		}
		return out, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a map of integers, got %T", core.ErrInvalidConfig, key, v)
	}
	out := make(map[string]int, len(raw))
	for k, item := range raw {
		n, ok := toInt(item)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must be an integer, got %T", core.ErrInvalidConfig, key, k, item)
		}
		out[k] = n
	}
	return out, nil
}

// mapOption reads an optional nested object key.
func mapOption(cfg map[string]any, key string) (map[string]any, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object, got %T", core.ErrInvalidConfig, key, v)
	}
	return m, nil
}

// parseTimeWindow converts a window string ("6h", "7d", "2w") into a
// duration. Unknown unit suffixes fall back to one day; a non-numeric
// prefix is a configuration error.
func parseTimeWindow(window string) (time.Duration, error) {
	if len(window) < 2 {
		return 0, fmt.Errorf("%w: time_window %q is too short", core.ErrInvalidConfig, window)
	}
	unit := window[len(window)-1]
	value, err := strconv.Atoi(window[:len(window)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: time_window %q has a non-numeric value", core.ErrInvalidConfig, window)
	}
	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 24 * time.Hour, nil
	}
}

// itemKindsOption reads an optional list of item kinds.
func itemKindsOption(cfg map[string]any, key string, def []core.ItemKind) ([]core.ItemKind, error) {
	names, err := stringsOption(cfg, key, nil)
	if err != nil {
		return nil, err
	}
	if names == nil {
		out := make([]core.ItemKind, len(def))
		copy(out, def)
		return out, nil
	}
	out := make([]core.ItemKind, 0, len(names))
	for _, name := range names {
		out = append(out, core.ItemKind(name))
	}
	return out, nil
}

// rankingScore is the pre-rerank ordering score: rank, then pre-rank,
// then the recall match score. Rerank output is deliberately excluded.
func rankingScore(c *core.Candidate) float64 {
	switch {
	case c.RankScore != nil:
		return *c.RankScore
	case c.PreRankScore != nil:
		return *c.PreRankScore
	}
	return c.MatchScore
}

// sortByRankingScore returns a copy stable-sorted by rankingScore
// descending, so equal scores keep their arrival order.
func sortByRankingScore(cands []*core.Candidate) []*core.Candidate {
	out := make([]*core.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return rankingScore(out[i]) > rankingScore(out[j])
	})
	return out
}

// candidateKey resolves the value a window or diversity quota keys on.
// Missing values return nil; quota passes drop nil-keyed candidates.
func candidateKey(c *core.Candidate, key string) any {
	switch key {
	case "author_id":
		if c.AuthorID == 0 {
			return nil
		}
		return c.AuthorID
	case "kind":
		if c.Kind == "" {
			return nil
		}
		return string(c.Kind)
	case "recall_type":
		if c.RecallType == "" {
			return nil
		}
		return c.RecallType
	case "source":
		if c.Source == "" {
			return nil
		}
		return c.Source
	}
	if v, ok := c.Extra[key]; ok {
		return v
	}
	return nil
}

// applyWindowQuota walks candidates enforcing the N-out-of-M contract:
// within any m consecutive survivors at most n share the same key value.
// The window slides by evicting the oldest accepted key. Candidates
// without a key value are dropped.
func applyWindowQuota(cands []*core.Candidate, n, m int, key string) []*core.Candidate {
	result := make([]*core.Candidate, 0, len(cands))
	window := make([]any, 0, m)
	counts := make(map[any]int, m)

	for _, c := range cands {
		v := candidateKey(c, key)
		if v == nil {
			continue
		}
		if counts[v] >= n {
			continue
		}
		result = append(result, c)
		window = append(window, v)
		counts[v]++
		if len(window) > m {
			oldest := window[0]
			window = window[1:]
			if counts[oldest]--; counts[oldest] == 0 {
				delete(counts, oldest)
			}
		}
	}
	return result
}

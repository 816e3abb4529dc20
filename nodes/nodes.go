// Package nodes implements the built-in node library for FeedFlow
// pipelines: seven recall strategies, the pre-rank, feature-extract,
// rank and rerank stages, four filters, the snake-merge blend and the
// response-format transform.
//
// Every node follows the same construction pattern: a typed Config
// struct with defaults, a ParseXConfig reading the untyped definition
// map, and a NewX constructor. Registry factories chain the two, so a
// malformed graph file fails at load time rather than mid-request.
package nodes

import (
	"context"
	"sync"

	"github.com/plover-labs/feedflow/core"
)

// ModelScorer scores candidates with a loaded model. The pre_rank and
// rank nodes consult the package model table and fall back to rule-based
// scoring (recording fallback_reason in the trace) when the named model
// is absent.
type ModelScorer interface {
	// Name is the key models register under.
	Name() string

	// Score returns one score per candidate, parallel to cands.
	Score(ctx context.Context, rc *core.RequestContext, cands []*core.Candidate) ([]float64, error)
}

var (
	modelMu sync.RWMutex
	models  = make(map[string]ModelScorer)
)

// RegisterModel installs a scorer under its name, replacing any previous
// registration with that name.
func RegisterModel(m ModelScorer) {
	modelMu.Lock()
	defer modelMu.Unlock()
	models[m.Name()] = m
}

// UnregisterModel removes a scorer by name.
func UnregisterModel(name string) {
	modelMu.Lock()
	defer modelMu.Unlock()
	delete(models, name)
}

// LookupModel resolves a registered scorer by name.
func LookupModel(name string) (ModelScorer, bool) {
	modelMu.RLock()
	defer modelMu.RUnlock()
	m, ok := models[name]
	return m, ok
}

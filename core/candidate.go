package core

import "time"

// Candidate is the unit of data flowing through a recommendation DAG.
//
// Recall nodes mint candidates; downstream stages annotate them rather than
// rewrite them. Score fields fill in progressively: MatchScore at recall,
// then PreRankScore, RankScore and RerankScore as the candidate survives
// each ranking stage. A nil score pointer means that stage never scored
// this candidate.
type Candidate struct {
	ID        int64     `json:"id"`
	Kind      ItemKind  `json:"kind"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	AuthorID  int64     `json:"author_id,omitempty"`
	CreatedAt time.Time `json:"created_at"` // zero = unknown

	MatchScore   float64  `json:"match_score"`
	PreRankScore *float64 `json:"pre_rank_score,omitempty"`
	RankScore    *float64 `json:"rank_score,omitempty"`
	RerankScore  *float64 `json:"rerank_score,omitempty"`

	RecallType    string         `json:"recall_type,omitempty"`
	MatchedTags   []string       `json:"matched_tags,omitempty"`
	Source        string         `json:"source,omitempty"` // blend input that supplied this candidate
	Features      map[string]any `json:"features,omitempty"`
	Sensitive     bool           `json:"sensitive,omitempty"`
	Popularity    float64        `json:"popularity,omitempty"`
	FinalPosition int            `json:"final_position,omitempty"`

	// Extra holds free-form intermediate keys nodes want to pass along
	// without claiming a typed field.
	Extra map[string]any `json:"extra,omitempty"`
}

// Clone returns an independent copy of the candidate. Slices, maps and
// score pointers are duplicated so mutating the clone never touches the
// original.
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tags = cloneStrings(c.Tags)
	cp.MatchedTags = cloneStrings(c.MatchedTags)
	cp.PreRankScore = cloneFloat(c.PreRankScore)
	cp.RankScore = cloneFloat(c.RankScore)
	cp.RerankScore = cloneFloat(c.RerankScore)
	cp.Features = cloneMap(c.Features)
	cp.Extra = cloneMap(c.Extra)
	return &cp
}

// BestScore returns the most refined score present: rerank, then rank,
// then pre-rank, then the recall match score.
func (c *Candidate) BestScore() float64 {
	switch {
	case c.RerankScore != nil:
		return *c.RerankScore
	case c.RankScore != nil:
		return *c.RankScore
	case c.PreRankScore != nil:
		return *c.PreRankScore
	}
	return c.MatchScore
}

// ScoreOrDefault resolves like BestScore but returns 0.9 when the
// candidate carries no score at all.
func (c *Candidate) ScoreOrDefault() float64 {
	if c.RerankScore == nil && c.RankScore == nil && c.PreRankScore == nil && c.MatchScore == 0 {
		return 0.9
	}
	return c.BestScore()
}

// CloneCandidates deep-copies a candidate list.
func CloneCandidates(cands []*Candidate) []*Candidate {
	if cands == nil {
		return nil
	}
	out := make([]*Candidate, len(cands))
	for i, c := range cands {
		out[i] = c.Clone()
	}
	return out
}

// Float64Ptr returns a pointer to v. Used when stamping stage scores.
func Float64Ptr(v float64) *float64 {
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

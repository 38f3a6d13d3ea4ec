// Package inject assembles the prompt-injection layers surfaced to the
// agent on UserPromptSubmit. engram.go is the 9-validator memory
// retriever, layered on internal/concepts' inverted index.
package inject

import (
	"sort"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/concepts"
	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

// Engram retrieves the top-K threads relevant to an incoming prompt
// via nine cheap, additive validators instead of a vector search.
type Engram struct {
	Index   *concepts.Index
	Weights map[string]float64
	MaxK    int
}

// NewEngram builds the concept index fresh from threads (the agent DB
// is small enough — typically under a few hundred threads — that
// rebuilding the index per query, rather than caching it across
// queries, keeps this package free of any background-refresh state).
func NewEngram(threads []*model.Thread, cfg config.EngramConfig) *Engram {
	idx := concepts.New()
	for _, t := range threads {
		all := append(append(append([]string{}, t.Topics...), t.Labels...), t.Concepts...)
		idx.Insert(t.ID, all)
	}
	weights := cfg.ValidatorWeights
	if weights == nil {
		weights = map[string]float64{}
	}
	maxK := cfg.MaxResults
	if maxK <= 0 {
		maxK = 5
	}
	return &Engram{Index: idx, Weights: weights, MaxK: maxK}
}

// scored pairs a thread with its aggregate validator score.
type scored struct {
	thread *model.Thread
	score  float64
}

// Retrieve scores every thread mentioned by the concept-prefiltered
// candidate set against queryText and workContext, returning the
// top-K ranked by weighted validator sum.
func (e *Engram) Retrieve(queryText string, threads []*model.Thread, workContext string) []*model.Thread {
	candidateIDs := e.candidateSet(queryText, threads)
	if len(candidateIDs) == 0 {
		return nil
	}
	byID := make(map[string]*model.Thread, len(threads))
	for _, t := range threads {
		byID[t.ID] = t
	}

	queryConcepts := e.Index.Query(queryText)
	var ranked []scored
	for id := range candidateIDs {
		t := byID[id]
		if t == nil {
			continue
		}
		ranked = append(ranked, scored{thread: t, score: e.score(t, queryConcepts, workContext)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].thread.Weight != ranked[j].thread.Weight {
			return ranked[i].thread.Weight > ranked[j].thread.Weight
		}
		return ranked[i].thread.ID < ranked[j].thread.ID
	})
	if len(ranked) > e.MaxK {
		ranked = ranked[:e.MaxK]
	}
	out := make([]*model.Thread, len(ranked))
	for i, r := range ranked {
		out[i] = r.thread
	}
	return out
}

// candidateSet pre-filters via the concept index: any thread sharing
// at least one query concept qualifies. Falls back to every thread
// passed in when the query yields no recognized concepts at all, so a
// short or jargon-free prompt still gets a (weaker-scored) pass.
func (e *Engram) candidateSet(queryText string, threads []*model.Thread) map[string]struct{} {
	concepts := e.Index.Query(queryText)
	out := make(map[string]struct{})
	for _, c := range concepts {
		for _, id := range e.Index.Lookup(c) {
			out[id] = struct{}{}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, t := range threads {
		out[t.ID] = struct{}{}
	}
	return out
}

// score runs the nine validators, each contributing a [0,1]-bounded
// signal weighted by e.Weights.
func (e *Engram) score(t *model.Thread, queryConcepts []string, workContext string) float64 {
	var total float64
	total += e.w("concept_overlap") * conceptOverlap(t, queryConcepts)
	total += e.w("label_match") * labelMatch(t, queryConcepts)
	total += e.w("recency") * recencyScore(t)
	total += e.w("importance") * t.Importance
	total += e.w("activation") * activationScore(t)
	total += e.w("relevance_score") * t.RelevanceScore
	total += e.w("work_context") * workContextMatch(t, workContext)
	total += e.w("split_lock") * splitLockPenalty(t)
	total += e.w("tag_boost") * tagBoost(t)
	return total
}

func (e *Engram) w(name string) float64 {
	if v, ok := e.Weights[name]; ok {
		return v
	}
	return 1.0
}

func conceptOverlap(t *model.Thread, queryConcepts []string) float64 {
	if len(queryConcepts) == 0 {
		return 0
	}
	all := model.DedupeFold(append(append(append([]string{}, t.Topics...), t.Labels...), t.Concepts...))
	hits := 0
	for _, c := range queryConcepts {
		if model.HasFold(all, c) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryConcepts))
}

func labelMatch(t *model.Thread, queryConcepts []string) float64 {
	if len(queryConcepts) == 0 || len(t.Labels) == 0 {
		return 0
	}
	hits := 0
	for _, c := range queryConcepts {
		if model.HasFold(t.Labels, c) {
			hits++
		}
	}
	return float64(hits) / float64(len(t.Labels))
}

// recencyScore favors threads touched more recently, bottoming out at
// zero after roughly 30 days.
func recencyScore(t *model.Thread) float64 {
	if t.LastActive.IsZero() {
		return 0
	}
	const window = 30 * 24 * time.Hour
	elapsed := time.Since(t.LastActive)
	if elapsed >= window {
		return 0
	}
	if elapsed < 0 {
		return 1
	}
	return 1 - float64(elapsed)/float64(window)
}

func activationScore(t *model.Thread) float64 {
	if t.ActivationCount <= 0 {
		return 0
	}
	score := float64(t.ActivationCount) / 10.0
	if score > 1 {
		return 1
	}
	return score
}

func workContextMatch(t *model.Thread, workContext string) float64 {
	if workContext == "" || t.WorkContext == nil {
		return 0
	}
	if *t.WorkContext == workContext {
		return 1
	}
	return 0
}

func splitLockPenalty(t *model.Thread) float64 {
	if t.SplitLocked {
		return 0
	}
	return 1
}

func tagBoost(t *model.Thread) float64 {
	if t.IsProtected() {
		return 1
	}
	return 0
}

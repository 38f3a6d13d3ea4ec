package pipeline

import (
	"strings"

	"github.com/nextlevelbuilder/cortexd/internal/model"
)

// Coherence scores the new cleaned content against the last
// PendingContext and maps the score to Forget/Orphan/Continue. Only
// called when a PendingContext exists and isn't past its TTL; callers
// skip the gate entirely otherwise and treat the capture as an
// Orphan-equivalent (no parent hint).
type Coherence struct {
	ChildThreshold  float64
	OrphanThreshold float64
}

// Score combines label overlap and lexical (word-set Jaccard)
// similarity between the previous capture and the new one — a cheap
// stand-in for an embedding-cosine signal when no embedding runtime is
// configured; deliberately simple so its output is easy to reason
// about in tests.
func (c Coherence) Score(prevContent string, prevLabels []string, newContent string, newLabels []string) float64 {
	lexical := jaccard(wordSet(prevContent), wordSet(newContent))
	labelOverlap := labelJaccard(prevLabels, newLabels)
	return 0.7*lexical + 0.3*labelOverlap
}

// Classify maps a score onto a CoherenceResult; for Continue it
// carries parentID as the ParentHint.
func (c Coherence) Classify(score float64, parentID string) CoherenceResult {
	switch {
	case score < c.OrphanThreshold:
		return CoherenceResult{Action: ActionForget, Score: score}
	case score < c.ChildThreshold:
		return CoherenceResult{Action: ActionOrphan, Score: score}
	default:
		return CoherenceResult{Action: ActionContinue, ParentHint: parentID, Score: score}
	}
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) < 3 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func labelJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	af := model.DedupeFold(a)
	bf := model.DedupeFold(b)
	setA := make(map[string]struct{}, len(af))
	for _, l := range af {
		setA[strings.ToLower(l)] = struct{}{}
	}
	setB := make(map[string]struct{}, len(bf))
	for _, l := range bf {
		setB[strings.ToLower(l)] = struct{}{}
	}
	return jaccard(setA, setB)
}

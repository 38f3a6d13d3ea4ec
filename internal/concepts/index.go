// Package concepts implements the inverted concept index shared by the
// maintenance loop's gossip task and the injection pipeline's Engram
// retriever: lowercase concept -> set of thread ids, with a reverse
// map per thread so removal is O(len(thread's concepts)) rather than a
// full rebuild.
package concepts

import (
	"sort"
	"strings"
)

// Index is a bidirectional concept <-> thread-id mapping.
type Index struct {
	forward map[string]map[string]struct{} // concept -> thread ids
	reverse map[string]map[string]struct{} // thread id -> concepts
}

func New() *Index {
	return &Index{
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
	}
}

// Insert indexes threadID under every concept in concepts (topics,
// labels, concepts fields are all valid inputs — the caller decides
// which metadata arrays count as "concepts" for its purpose).
func (idx *Index) Insert(threadID string, concepts []string) {
	idx.Remove(threadID)
	set := make(map[string]struct{}, len(concepts))
	for _, c := range concepts {
		key := normalize(c)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
		if idx.forward[key] == nil {
			idx.forward[key] = make(map[string]struct{})
		}
		idx.forward[key][threadID] = struct{}{}
	}
	idx.reverse[threadID] = set
}

// Remove un-indexes threadID from every concept it was registered
// under; a subsequent Lookup never returns it.
func (idx *Index) Remove(threadID string) {
	for c := range idx.reverse[threadID] {
		delete(idx.forward[c], threadID)
		if len(idx.forward[c]) == 0 {
			delete(idx.forward, c)
		}
	}
	delete(idx.reverse, threadID)
}

// Lookup returns every thread id registered under concept.
func (idx *Index) Lookup(concept string) []string {
	set := idx.forward[normalize(concept)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConceptsOf returns the concepts threadID is indexed under.
func (idx *Index) ConceptsOf(threadID string) []string {
	set := idx.reverse[threadID]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SharedConcepts returns the concepts two threads have in common.
func (idx *Index) SharedConcepts(a, b string) []string {
	setA, setB := idx.reverse[a], idx.reverse[b]
	var shared []string
	for c := range setA {
		if _, ok := setB[c]; ok {
			shared = append(shared, c)
		}
	}
	return shared
}

// Pairs enumerates every distinct pair of threads sharing at least
// minShared concepts, used by the gossip task. Deterministic ordering
// (by thread id ascending) for reproducible test fixtures.
type Pair struct {
	A, B   string
	Shared []string
}

func (idx *Index) Pairs(minShared int) []Pair {
	// Build thread -> thread -> shared-count via the inverted index
	// instead of an O(n^2) scan over all threads.
	coOccur := make(map[string]map[string]map[string]struct{})
	for concept, threads := range idx.forward {
		ids := make([]string, 0, len(threads))
		for id := range threads {
			ids = append(ids, id)
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := ids[i], ids[j]
				if a > b {
					a, b = b, a
				}
				if coOccur[a] == nil {
					coOccur[a] = make(map[string]map[string]struct{})
				}
				if coOccur[a][b] == nil {
					coOccur[a][b] = make(map[string]struct{})
				}
				coOccur[a][b][concept] = struct{}{}
			}
		}
	}

	var pairs []Pair
	for a, bs := range coOccur {
		for b, conceptSet := range bs {
			if len(conceptSet) < minShared {
				continue
			}
			shared := make([]string, 0, len(conceptSet))
			for c := range conceptSet {
				shared = append(shared, c)
			}
			pairs = append(pairs, Pair{A: a, B: b, Shared: shared})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// Query extracts known concepts present in text against this index:
// single-word direct match, substring match for words of length >= 4,
// and a whole-phrase substring match for multi-word concepts — the
// Engram retriever's candidate pre-filter.
func (idx *Index) Query(text string) []string {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)
	seen := make(map[string]struct{})
	var hits []string

	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		hits = append(hits, c)
	}

	for concept := range idx.forward {
		if strings.Contains(concept, " ") {
			if strings.Contains(lower, concept) {
				add(concept)
			}
			continue
		}
		for _, w := range words {
			if w == concept {
				add(concept)
				break
			}
			if len(concept) >= 4 && strings.Contains(w, concept) {
				add(concept)
				break
			}
		}
	}
	return hits
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

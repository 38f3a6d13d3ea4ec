package concepts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupRemove(t *testing.T) {
	idx := New()
	idx.Insert("t1", []string{"Quota", "guard", "memory"})
	idx.Insert("t2", []string{"quota", "webgl"})

	assert.ElementsMatch(t, []string{"t1", "t2"}, idx.Lookup("quota"))
	assert.ElementsMatch(t, []string{"t2"}, idx.Lookup("WebGL"))

	idx.Remove("t1")
	assert.NotContains(t, idx.Lookup("quota"), "t1")
	assert.Empty(t, idx.Lookup("guard"))
	assert.Empty(t, idx.ConceptsOf("t1"))
}

func TestInsertReplacesPriorConcepts(t *testing.T) {
	idx := New()
	idx.Insert("t1", []string{"alpha", "beta"})
	idx.Insert("t1", []string{"gamma"})

	assert.Empty(t, idx.Lookup("alpha"))
	assert.ElementsMatch(t, []string{"t1"}, idx.Lookup("gamma"))
}

func TestSharedConceptsAndPairs(t *testing.T) {
	idx := New()
	idx.Insert("a", []string{"rust", "memory", "daemon"})
	idx.Insert("b", []string{"memory", "daemon", "sqlite"})
	idx.Insert("c", []string{"frontend"})

	assert.ElementsMatch(t, []string{"memory", "daemon"}, idx.SharedConcepts("a", "b"))
	assert.Empty(t, idx.SharedConcepts("a", "c"))

	pairs := idx.Pairs(2)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].A)
	assert.Equal(t, "b", pairs[0].B)
	assert.ElementsMatch(t, []string{"memory", "daemon"}, pairs[0].Shared)

	// Raising the floor above the actual overlap yields no pairs.
	assert.Empty(t, idx.Pairs(3))
}

func TestQuery(t *testing.T) {
	idx := New()
	idx.Insert("t1", []string{"quota", "rate limit", "db"})

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"direct word", "raise the quota now", []string{"quota"}},
		{"multi-word concept", "we hit the rate limit again", []string{"rate limit"}},
		{"substring in longer word", "quotas are exceeded", []string{"quota"}},
		{"short concept needs exact match", "database", nil},
		{"no hits", "nothing relevant here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, idx.Query(tt.text))
		})
	}
}

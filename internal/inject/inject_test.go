package inject

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

func TestRenderRespectsByteBudget(t *testing.T) {
	layers := []string{
		strings.Repeat("a", 100),
		strings.Repeat("b", 100),
		strings.Repeat("c", 100),
	}
	const budget = 300

	out := render(layers, "the prompt", budget)

	parts := strings.SplitN(out, "\n\n", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "the prompt", parts[1])
	assert.LessOrEqual(t, len(parts[0]), budget)
	// Wrapping overhead means not all three 100-byte layers fit in 300.
	assert.Less(t, strings.Count(parts[0], "<system-reminder>"), 3)
}

// TestRenderByteBudgetHoldsForMultibyteLayers: the truncation fallback
// must bound bytes, not display width — a CJK layer occupies three
// bytes per glyph.
func TestRenderByteBudgetHoldsForMultibyteLayers(t *testing.T) {
	layer := strings.Repeat("记", 200) // 600 bytes
	const budget = 300

	out := render([]string{layer}, "p", budget)

	parts := strings.SplitN(out, "\n\n", 2)
	require.Len(t, parts, 2)
	assert.LessOrEqual(t, len(parts[0]), budget)
	assert.True(t, utf8.ValidString(parts[0]), "truncation must not split a rune")
	assert.Contains(t, parts[0], "记")
}

func TestTruncateToBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateToBytes("abc", 10))
	assert.Equal(t, "ab", truncateToBytes("abcd", 2))
	// 4 bytes only fits one full 3-byte rune.
	assert.Equal(t, "记", truncateToBytes("记忆", 4))
	assert.True(t, utf8.ValidString(truncateToBytes("记忆体", 5)))
}

func TestRenderNoLayersReturnsPromptUnchanged(t *testing.T) {
	assert.Equal(t, "hello", render(nil, "hello", 1000))
	assert.Equal(t, "hello", render([]string{"", ""}, "hello", 1000))
}

func TestRenderSkipsLayerTooLargeToTruncate(t *testing.T) {
	out := render([]string{strings.Repeat("x", 500)}, "prompt", 50)
	assert.Equal(t, "prompt", out)
}

func TestRenderWrapsEachLayer(t *testing.T) {
	out := render([]string{"first layer", "second layer"}, "prompt", 10_000)
	assert.Contains(t, out, "<system-reminder>first layer</system-reminder>")
	assert.Contains(t, out, "<system-reminder>second layer</system-reminder>")
	assert.True(t, strings.HasSuffix(out, "\n\nprompt"))
}

func TestOnboardingLayerFiresOnce(t *testing.T) {
	dir := t.TempDir()
	in := Input{AgentDataDir: dir}

	first := onboardingLayer(in)
	require.Len(t, first, 1)
	assert.Contains(t, first[0], "MCP tools available")
	assert.FileExists(t, filepath.Join(dir, "onboarding_done"))

	assert.Empty(t, onboardingLayer(in))
}

func TestOnboardingLayerHonorsExistingSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding_done"), []byte("x"), 0o644))
	assert.Empty(t, onboardingLayer(Input{AgentDataDir: dir}))
}

func engramThread(id, title string, topics []string, status model.ThreadStatus) *model.Thread {
	return &model.Thread{
		ID: id, Title: title, Status: status, Topics: topics,
		Weight: 0.8, Importance: 0.5, RelevanceScore: 1.0,
		LastActive: time.Now().UTC().Add(-time.Hour),
	}
}

func TestEngramRetrievePrefersConceptMatches(t *testing.T) {
	threads := []*model.Thread{
		engramThread("t1", "Quota guard", []string{"quota", "enforcement"}, model.ThreadActive),
		engramThread("t2", "Shader work", []string{"webgl", "shaders"}, model.ThreadActive),
		engramThread("t3", "Pool eviction", []string{"quota", "eviction"}, model.ThreadActive),
	}
	e := NewEngram(threads, config.Defaults().Engram)

	hits := e.Retrieve("how does the quota enforcement interact with eviction", threads, "")
	require.NotEmpty(t, hits)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	assert.Contains(t, ids, "t1")
	assert.Contains(t, ids, "t3")
	assert.NotContains(t, ids, "t2")
}

func TestEngramRetrieveCapsResults(t *testing.T) {
	var threads []*model.Thread
	for i := 0; i < 20; i++ {
		threads = append(threads, engramThread(
			string(rune('a'+i)), "t", []string{"shared"}, model.ThreadActive))
	}
	cfg := config.EngramConfig{MaxResults: 5}
	e := NewEngram(threads, cfg)

	hits := e.Retrieve("all about the shared topic", threads, "")
	assert.Len(t, hits, 5)
}

func TestEngramRetrieveFallsBackWithoutConceptHits(t *testing.T) {
	threads := []*model.Thread{
		engramThread("t1", "Quota guard", []string{"quota"}, model.ThreadActive),
	}
	e := NewEngram(threads, config.Defaults().Engram)

	// No recognizable concept in the query: the candidate set widens to
	// every thread instead of returning nothing.
	hits := e.Retrieve("completely unrelated words here", threads, "")
	assert.Len(t, hits, 1)
}

func TestEngramProtectedTagOutranksPlain(t *testing.T) {
	pinned := engramThread("pin", "Pinned", []string{"deploy"}, model.ThreadActive)
	pinned.Tags = []string{model.TagPin}
	plain := engramThread("plain", "Plain", []string{"deploy"}, model.ThreadActive)

	e := NewEngram([]*model.Thread{plain, pinned}, config.Defaults().Engram)
	hits := e.Retrieve("deploy status", []*model.Thread{plain, pinned}, "")
	require.Len(t, hits, 2)
	assert.Equal(t, "pin", hits[0].ID)
}

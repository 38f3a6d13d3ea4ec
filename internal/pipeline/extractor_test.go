package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInvoker struct {
	out string
	err error
}

func (s stubInvoker) Invoke(context.Context, string, string) (string, error) { return s.out, s.err }

func TestLLMExtractorParsesFencedJSON(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"title\":\"Quota guard\",\"subjects\":[\"quota\",\"guard\"],\"summary\":\"quota enforcement work\",\"confidence\":0.8,\"labels\":[\"backend\"],\"importance\":0.6}\n```"
	e := NewLLMExtractor(stubInvoker{out: raw}, "sonnet")

	got, err := e.Extract(context.Background(), SourceFileWrite, "content", "")
	require.NoError(t, err)
	assert.Equal(t, "Quota guard", got.Title)
	assert.Equal(t, []string{"quota", "guard"}, got.Subjects)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, 0.6, got.Importance)
}

func TestLLMExtractorClampsOutOfRangeScores(t *testing.T) {
	raw := `{"title":"t","subjects":[],"summary":"","confidence":3.5,"labels":[],"importance":-1}`
	e := NewLLMExtractor(stubInvoker{out: raw}, "sonnet")

	got, err := e.Extract(context.Background(), SourceCommand, "content", "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 0.0, got.Importance)
}

func TestLLMExtractorFallsBackToHeuristicOnError(t *testing.T) {
	e := NewLLMExtractor(stubInvoker{err: errors.New("subprocess died")}, "sonnet")

	got, err := e.Extract(context.Background(), SourcePrompt, "fix the flaky integration test runner", "")
	require.NoError(t, err)
	assert.Equal(t, heuristicConfidence, got.Confidence)
	assert.Equal(t, "fix the flaky integration test runner", got.Title)
}

func TestLLMExtractorFallsBackOnGarbageOutput(t *testing.T) {
	e := NewLLMExtractor(stubInvoker{out: "I could not produce JSON, sorry"}, "sonnet")

	got, err := e.Extract(context.Background(), SourceCommand, "some tool output worth keeping", "")
	require.NoError(t, err)
	assert.Equal(t, heuristicConfidence, got.Confidence)
}

func TestHeuristicExtractor(t *testing.T) {
	got, err := HeuristicExtractor{}.Extract(context.Background(), SourceFileWrite,
		"Refactor connection pool\nThe pool now evicts idle entries aggressively.", "")
	require.NoError(t, err)
	assert.Equal(t, "Refactor connection pool", got.Title)
	assert.NotEmpty(t, got.Subjects)
	assert.Equal(t, []string{string(SourceFileWrite)}, got.Labels)
}

func TestRelevanceGateFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		inv  LLMInvoker
	}{
		{"nil invoker", nil},
		{"provider error", stubInvoker{err: errors.New("timeout")}},
		{"unparseable response", stubInvoker{out: "definitely relevant!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &LLMRelevanceGate{Invoker: tt.inv, Model: "haiku"}
			relevant, err := g.IsRelevant(context.Background(), "short prompt")
			require.NoError(t, err)
			assert.True(t, relevant)
		})
	}
}

func TestRelevanceGateHonorsVerdict(t *testing.T) {
	g := &LLMRelevanceGate{Invoker: stubInvoker{out: `{"relevant": false}`}, Model: "haiku"}
	relevant, err := g.IsRelevant(context.Background(), "ok thanks")
	require.NoError(t, err)
	assert.False(t, relevant)
}

func TestExtractionSourceFromToolSourceType(t *testing.T) {
	assert.Equal(t, SourceFileWrite, ExtractionSourceFromToolSourceType("Write"))
	assert.Equal(t, SourceFileRead, ExtractionSourceFromToolSourceType("Grep"))
	assert.Equal(t, SourceFetch, ExtractionSourceFromToolSourceType("WebSearch"))
	assert.Equal(t, SourceCommand, ExtractionSourceFromToolSourceType("SomethingNew"))
}

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := Coherence{ChildThreshold: 0.55, OrphanThreshold: 0.25}

	tests := []struct {
		name   string
		score  float64
		action CoherenceAction
		hint   string
	}{
		{"below orphan is forget", 0.10, ActionForget, ""},
		{"between thresholds is orphan", 0.40, ActionOrphan, ""},
		{"at child threshold continues", 0.55, ActionContinue, "t-prev"},
		{"above child threshold continues", 0.90, ActionContinue, "t-prev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.score, "t-prev")
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.hint, got.ParentHint)
			assert.Equal(t, tt.score, got.Score)
		})
	}
}

func TestScoreRelatedVersusUnrelated(t *testing.T) {
	c := Coherence{ChildThreshold: 0.55, OrphanThreshold: 0.25}

	prev := "implement the quota guard enforcement for active memory threads"
	related := "extend the quota guard enforcement with protected memory threads"
	unrelated := "webgl shaders and cinematic color grading pipeline"

	relScore := c.Score(prev, []string{"quota", "memory"}, related, []string{"quota", "memory"})
	unrelScore := c.Score(prev, []string{"quota", "memory"}, unrelated, []string{"graphics"})

	assert.Greater(t, relScore, unrelScore)
	assert.GreaterOrEqual(t, relScore, c.ChildThreshold)
	assert.Less(t, unrelScore, c.OrphanThreshold)
}

func TestScoreEmptyInputs(t *testing.T) {
	c := Coherence{ChildThreshold: 0.55, OrphanThreshold: 0.25}
	assert.Equal(t, 0.0, c.Score("", nil, "", nil))
}

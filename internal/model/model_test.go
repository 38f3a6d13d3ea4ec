package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeFold(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"case-folded dupes keep first casing", []string{"Infra", "infra", "INFRA", "go"}, []string{"Infra", "go"}},
		{"blank entries dropped", []string{"", "  ", "a"}, []string{"a"}},
		{"order preserved", []string{"b", "a", "B"}, []string{"b", "a"}},
		{"empty in empty out", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupeFold(tt.in))
		})
	}
}

func TestHasFold(t *testing.T) {
	items := []string{"Memory", " daemon "}
	assert.True(t, HasFold(items, "memory"))
	assert.True(t, HasFold(items, "DAEMON"))
	assert.False(t, HasFold(items, "queue"))
}

func TestThreadModeQuota(t *testing.T) {
	assert.Equal(t, 15, ThreadModeLight.Quota())
	assert.Equal(t, 50, ThreadModeNormal.Quota())
	assert.Equal(t, 100, ThreadModeHeavy.Quota())
	assert.Equal(t, 200, ThreadModeMax.Quota())
	// Unknown modes behave as Normal rather than zeroing the quota.
	assert.Equal(t, 50, ThreadMode("").Quota())
}

func TestParseThreadMode(t *testing.T) {
	assert.Equal(t, ThreadModeLight, ParseThreadMode(" LIGHT "))
	assert.Equal(t, ThreadModeMax, ParseThreadMode("max"))
	assert.Equal(t, ThreadModeNormal, ParseThreadMode("bogus"))
}

func TestIsProtected(t *testing.T) {
	assert.False(t, (&Thread{}).IsProtected())
	assert.True(t, (&Thread{Tags: []string{TagPin}}).IsProtected())
	assert.True(t, (&Thread{Tags: []string{TagFocus}}).IsProtected())
	assert.True(t, (&Thread{Tags: []string{TagShared}}).IsProtected())
	assert.True(t, (&Thread{ImportanceManualSet: true}).IsProtected())
	assert.False(t, (&Thread{Tags: []string{"ordinary"}}).IsProtected())
}

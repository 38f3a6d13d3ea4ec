package beat

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesFreshState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.json")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Beat)
	assert.FileExists(t, path)
}

func TestIncrementAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.json")
	s, err := Load(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Increment()
	}
	s.RecordInteraction("sess-1")
	s.Quota = 50
	require.NoError(t, s.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Beat)
	assert.Equal(t, int64(3), loaded.LastInteractionBeat)
	assert.Equal(t, "sess-1", loaded.LastSessionID)
	assert.Equal(t, 50, loaded.Quota)
	assert.False(t, loaded.LastBeatAt.Before(loaded.StartedAt))
}

func TestSinceLast(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "beat.json"))
	s.Beat = 10
	s.LastInteractionBeat = 7
	assert.Equal(t, int64(3), s.SinceLast())

	// A beat file hand-edited into the future never reports negative.
	s.LastInteractionBeat = 15
	assert.Equal(t, int64(0), s.SinceLast())
}

func TestIsNewSession(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "beat.json"))
	s.LastSessionID = "a"
	assert.True(t, s.IsNewSession("b"))
	assert.False(t, s.IsNewSession("a"))
	assert.False(t, s.IsNewSession(""))
}

func TestScheduleWakeReplacesSameReason(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "beat.json"))
	s.ScheduleWake(5, "recall")
	s.ScheduleWake(9, "recall")
	s.ScheduleWake(7, "inbox")

	require.Len(t, s.ScheduledWakes, 2)
	assert.Equal(t, int64(9), s.ScheduledWakes[0].TargetBeat)
}

func TestDrainDueWakes(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "beat.json"))
	s.Beat = 10
	s.ScheduleWake(8, "past")
	s.ScheduleWake(10, "now")
	s.ScheduleWake(12, "future")

	due := s.DrainDueWakes()
	require.Len(t, due, 2)
	require.Len(t, s.ScheduledWakes, 1)
	assert.Equal(t, "future", s.ScheduledWakes[0].Reason)

	// Draining again returns nothing until the beat advances.
	assert.Empty(t, s.DrainDueWakes())
}

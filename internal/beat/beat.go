// Package beat implements the daemon's abstract clock: a monotonic
// counter, ticked once per maintenance cycle, that every agent
// perceives recency against instead of wall-clock time. Persisted
// atomically: write the whole JSON document to a temp file in the
// same directory, then rename.
package beat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ScheduledWake is a self-wake request: "when the beat counter
// reaches TargetBeat, surface Reason to the agent."
type ScheduledWake struct {
	TargetBeat int64  `json:"target_beat"`
	Reason     string `json:"reason"`
}

// State is the full per-agent beat-state document, persisted at
// <agent_data>/beat.json.
type State struct {
	Beat                 int64           `json:"beat"`
	StartedAt            time.Time       `json:"started_at"`
	LastBeatAt           time.Time       `json:"last_beat_at"`
	LastInteractionAt    time.Time       `json:"last_interaction_at"`
	LastInteractionBeat  int64           `json:"last_interaction_beat"`
	LastSessionID        string          `json:"last_session_id,omitempty"`
	LastThreadID         string          `json:"last_thread_id,omitempty"`
	PID                  int             `json:"pid,omitempty"`
	CliPID               int             `json:"cli_pid,omitempty"`
	ScheduledWakes       []ScheduledWake `json:"scheduled_wakes,omitempty"`
	ContextTokens        int             `json:"context_tokens,omitempty"`
	ContextPercent       float64         `json:"context_percent,omitempty"`
	ContextUpdatedAt     *time.Time      `json:"context_updated_at,omitempty"`
	Quota                int             `json:"quota,omitempty"`

	path string
}

// New creates a fresh beat state anchored at now.
func New(path string) *State {
	now := time.Now().UTC()
	return &State{
		Beat:                0,
		StartedAt:           now,
		LastBeatAt:          now,
		LastInteractionAt:   now,
		LastInteractionBeat: 0,
		path:                path,
	}
}

// Load reads the beat state at path, creating and saving a fresh one
// if the file doesn't exist yet.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := New(path)
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read beat state %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse beat state %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save writes the state atomically: write to a sibling temp file, then
// rename over the target, so a crash never leaves a half-written
// beat.json for the next reader.
func (s *State) Save() error {
	if s.path == "" {
		return fmt.Errorf("beat state has no path")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal beat state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".beat-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp beat file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp beat file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp beat file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename beat file: %w", err)
	}
	return nil
}

// Increment ticks the beat counter by one, called once per maintenance
// cycle for each unlocked agent.
func (s *State) Increment() {
	s.Beat++
	s.LastBeatAt = time.Now().UTC()
}

// RecordInteraction marks a fresh user prompt, called from the
// injection pipeline at the start of UserPromptSubmit handling.
func (s *State) RecordInteraction(sessionID string) {
	now := time.Now().UTC()
	s.LastInteractionAt = now
	s.LastInteractionBeat = s.Beat
	if sessionID != "" {
		s.LastSessionID = sessionID
	}
}

// SinceLast returns the number of beats elapsed since the last
// recorded interaction, used by the session-continuity injection
// layer's bracket thresholds (<2, <6, <12, >=12).
func (s *State) SinceLast() int64 {
	d := s.Beat - s.LastInteractionBeat
	if d < 0 {
		return 0
	}
	return d
}

// IsNewSession reports whether sessionID differs from the last
// recorded one (i.e. the CLI was restarted or --resume'd elsewhere).
func (s *State) IsNewSession(sessionID string) bool {
	return sessionID != "" && sessionID != s.LastSessionID
}

// TimeSinceLast returns wall-clock elapsed since the last interaction,
// for callers that need real time rather than beats.
func (s *State) TimeSinceLast() time.Duration {
	return time.Since(s.LastInteractionAt)
}

// ScheduleWake adds (or replaces, for the same reason) a self-wake
// request for targetBeat.
func (s *State) ScheduleWake(targetBeat int64, reason string) {
	for i, w := range s.ScheduledWakes {
		if w.Reason == reason {
			s.ScheduledWakes[i].TargetBeat = targetBeat
			return
		}
	}
	s.ScheduledWakes = append(s.ScheduledWakes, ScheduledWake{TargetBeat: targetBeat, Reason: reason})
}

// DrainDueWakes removes and returns every scheduled wake whose target
// beat has arrived, called by the maintenance heartbeat each cycle.
func (s *State) DrainDueWakes() []ScheduledWake {
	var due, remaining []ScheduledWake
	for _, w := range s.ScheduledWakes {
		if w.TargetBeat <= s.Beat {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.ScheduledWakes = remaining
	return due
}

// UpdateContextUsage records the agent's self-reported context-window
// usage. The cognitive-nudge layer's capacity check counts threads
// against the quota and does not read these fields.
func (s *State) UpdateContextUsage(tokens int, percent float64) {
	s.ContextTokens = tokens
	s.ContextPercent = percent
	now := time.Now().UTC()
	s.ContextUpdatedAt = &now
}

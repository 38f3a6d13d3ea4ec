package inject

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/cortexd/internal/beat"
	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/healthguard"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/threadmgr"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// wakeMarkers are the literal substrings the controller's injected wake
// prompts carry, letting the inbox layer tell "the CLI woke the
// agent" apart from an ordinary human prompt.
var wakeMarkers = []string{"[cognitive-wake]", "[inbox-wake]"}

// Input bundles everything one UserPromptSubmit assembly pass needs.
type Input struct {
	DB          *sql.DB
	DBPath      string
	Beat        *beat.State
	Registry    *registry.Store
	Agent       *model.Agent
	ProjectHash string
	AgentID     string
	SessionID   string
	Prompt      string
	AgentDataDir string
	Config      config.GuardianConfig
}

// Assemble builds every layer in declaration order, truncates
// greedily against MaxContextSizeBytes, and returns the final prompt
// to hand back to the CLI (original prompt unchanged if nothing fit).
func Assemble(in Input) string {
	var layers []string

	if in.AgentID == "" {
		layers = append(layers, layerAgentSelectHint())
	} else {
		layers = append(layers, onboardingLayer(in)...)
		layers = append(layers, lightweightContextLayer(in))
		layers = append(layers, sessionContinuityLayer(in)...)
		layers = append(layers, cognitiveNudgeLayer(in)...)
		layers = append(layers, inboxLayer(in)...)
		layers = append(layers, pinsLayer(in)...)
		layers = append(layers, memoryRetrievalLayer(in)...)
		layers = append(layers, identityLayer(in)...)
		layers = append(layers, userProfileLayer(in)...)
		layers = append(layers, healthGuardLayer(in)...)
	}

	budget := in.Config.Injection.MaxContextSizeBytes
	if budget <= 0 {
		budget = 12_000
	}
	return render(layers, in.Prompt, budget)
}

// render wraps each layer in a system-reminder tag, fits as many as
// possible into budget bytes (consumed greedily in declaration order;
// a layer that doesn't fit is cut to the remaining room plus an
// ellipsis when more than 40 bytes are left, and skipped otherwise),
// then appends the original prompt.
func render(layers []string, prompt string, budget int) string {
	var kept []string
	used := 0
	for _, l := range layers {
		if l == "" {
			continue
		}
		wrapped := "<system-reminder>" + l + "</system-reminder>"
		if used+len(wrapped) > budget {
			// One more truncation attempt: a shortened layer may still
			// fit and is better than dropping it outright. The budget is
			// in bytes, so the cut is byte-bounded (on a rune boundary),
			// not display-width-bounded.
			room := budget - used - len("<system-reminder></system-reminder>") - len(ellipsis)
			if room > 40 {
				trimmed := truncateToBytes(l, room) + ellipsis
				wrapped = "<system-reminder>" + trimmed + "</system-reminder>"
				kept = append(kept, wrapped)
				used += len(wrapped)
			}
			continue
		}
		kept = append(kept, wrapped)
		used += len(wrapped)
	}
	if len(kept) == 0 {
		return prompt
	}
	return strings.Join(kept, "\n") + "\n\n" + prompt
}

func layerAgentSelectHint() string {
	return "No agent identity is bound to this session yet. Call ai_agent_select with your session_id to register as an agent before continuing."
}

// onboardingLayer fires exactly once per agent, gated by a sentinel
// file.
func onboardingLayer(in Input) []string {
	sentinel := filepath.Join(in.AgentDataDir, "onboarding_done")
	if _, err := os.Stat(sentinel); err == nil {
		return nil
	}
	_ = os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
	return []string{
		"Welcome. This project has persistent cognitive memory across sessions. " +
			"MCP tools available: threads, bridges, recall, focus, split, merge, share, discover, messaging, status, agents, windows. " +
			"You are expected to let memory accumulate naturally: capture happens automatically, you do not need to call anything to record context. " +
			"Use recall/focus when you need to resurface older work.",
	}
}

func lightweightContextLayer(in Input) string {
	active, _ := threadstore.CountByStatus(in.DB, model.ThreadActive)
	suspended, _ := threadstore.CountByStatus(in.DB, model.ThreadSuspended)
	total, _ := threadstore.CountAll(in.DB)
	return fmt.Sprintf(
		"Memory state: %d active threads, %d suspended, %d total. Current beat: %d. Beats since last interaction: %d. session_id: %s",
		active, suspended, total, in.Beat.Beat, in.Beat.SinceLast(), in.SessionID)
}

// sessionContinuityLayer surfaces a resume blurb bracketed by how long
// it's been since the last interaction.
func sessionContinuityLayer(in Input) []string {
	since := in.Beat.SinceLast()
	var bracket string
	switch {
	case since < 2:
		return nil // no time has meaningfully passed; nothing to resume
	case since < 6:
		bracket = "a few moments ago"
	case since < 12:
		bracket = "a short while ago"
	default:
		bracket = "a while ago"
	}
	msg := fmt.Sprintf("You were last active %s (beat %d, now beat %d).", bracket, in.Beat.LastInteractionBeat, in.Beat.Beat)
	if in.Beat.LastThreadID != "" {
		msg += fmt.Sprintf(" Last active thread: %s.", in.Beat.LastThreadID)
	}
	return []string{msg}
}

// nudgeCandidate is one cognitive-nudge reminder and its priority
// (lower fires first); the priority also names its cooldown entry.
type nudgeCandidate struct {
	priority int
	message  string
}

// cognitiveNudgeLayer surfaces at most one reminder per prompt,
// priority-ordered, gated by a 10-beat cooldown
// tracked via beat.ScheduledWakes reused as a lightweight per-type
// last-fired ledger (reason "nudge:<type>", target_beat = last fired + 10).
func cognitiveNudgeLayer(in Input) []string {
	var candidates []nudgeCandidate

	active, _ := threadstore.CountByStatus(in.DB, model.ThreadActive)
	quota := in.Agent.ThreadMode.Quota()
	if quota > 0 && float64(active)/float64(quota) > 0.80 {
		candidates = append(candidates, nudgeCandidate{0, "Memory capacity is above 80%. Consider merging or splitting threads soon."})
	}

	total, _ := threadstore.CountAll(in.DB)
	if total > 0 {
		all, _ := threadstore.ListAll(in.DB)
		unlabeled := 0
		for _, t := range all {
			if len(t.Labels) == 0 {
				unlabeled++
			}
		}
		if float64(unlabeled)/float64(total) > 0.40 {
			candidates = append(candidates, nudgeCandidate{2, "Many threads are unlabeled, which weakens future recall quality."})
		}
	}

	if in.Beat.Beat > 0 && in.Beat.Beat%50 == 0 {
		candidates = append(candidates, nudgeCandidate{3, "Routine maintenance checkpoint: this is a good moment to review open threads."})
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })
	top := candidates[0]

	reason := fmt.Sprintf("nudge:%d", top.priority)
	for _, w := range in.Beat.ScheduledWakes {
		if w.Reason == reason && in.Beat.Beat < w.TargetBeat {
			return nil // still cooling down
		}
	}
	in.Beat.ScheduleWake(in.Beat.Beat+10, reason)
	return []string{top.message}
}

// inboxLayer consumes (marks Read) on a detected wake prompt, else
// peeks without consuming.
func inboxLayer(in Input) []string {
	pending, err := threadstore.ListPendingInbox(in.DB, in.AgentID)
	if err != nil || len(pending) == 0 {
		return nil
	}
	isWake := false
	for _, marker := range wakeMarkers {
		if strings.Contains(in.Prompt, marker) {
			isWake = true
			break
		}
	}
	var lines []string
	for _, m := range pending {
		lines = append(lines, fmt.Sprintf("- from %s: %s — %s", m.FromAgent, m.Subject, truncateForDisplay(m.Content, 200)))
		if isWake {
			_ = threadstore.MarkInboxRead(in.DB, m.ID)
		}
	}
	header := "Cognitive inbox (unread):"
	if isWake {
		header = "Cognitive inbox (delivered):"
	}
	return []string{header + "\n" + strings.Join(lines, "\n")}
}

const ellipsis = "…"

// truncateToBytes cuts s to at most n bytes without splitting a rune.
func truncateToBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// truncateForDisplay bounds a string by display width (CJK and emoji
// count double), used for the per-line previews inside a layer where
// alignment, not the byte budget, is the concern.
func truncateForDisplay(s string, n int) string {
	return runewidth.Truncate(s, n, ellipsis)
}

// pinsLayer surfaces __pin__-tagged threads, capped at five.
func pinsLayer(in Input) []string {
	all, err := threadstore.ListAll(in.DB)
	if err != nil {
		return nil
	}
	var pinned []string
	for _, t := range all {
		if model.HasFold(t.Tags, model.TagPin) {
			pinned = append(pinned, t.Title)
			if len(pinned) >= 5 {
				break
			}
		}
	}
	if len(pinned) == 0 {
		return nil
	}
	return []string{"Pinned threads: " + strings.Join(pinned, "; ")}
}

// memoryRetrievalLayer runs the Engram retriever and reactivates or
// touches the surfaced threads.
func memoryRetrievalLayer(in Input) []string {
	all, err := threadstore.ListAll(in.DB)
	if err != nil || len(all) == 0 {
		return nil
	}
	engram := NewEngram(all, in.Config.Engram)
	hits := engram.Retrieve(in.Prompt, all, "")
	if len(hits) == 0 {
		return nil
	}

	quota := in.Agent.ThreadMode.Quota()
	mgr := threadmgr.New(in.DB, quota)
	reactivated := 0
	var lines []string
	for _, t := range hits {
		switch {
		case t.Status != model.ThreadActive && reactivated < 3:
			active, _ := threadstore.CountByStatus(in.DB, model.ThreadActive)
			if active < quota {
				in := threadmgr.NewThreadInput{Title: t.Title, Summary: t.Summary, Topics: t.Topics, Labels: t.Labels, Content: "[resurfaced by recall]"}
				if err := mgr.ReactivateThread(t, in); err == nil {
					reactivated++
				}
			}
		case t.Status == model.ThreadActive:
			t.LastActive = time.Now().UTC()
			_ = threadstore.UpdateThread(in.DB, t)
		}
		threadmgr.RecordInjection(t)
		_ = threadstore.UpdateThread(in.DB, t)
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Title, t.Summary))
	}
	return []string{"Relevant memory:\n" + strings.Join(lines, "\n")}
}

func identityLayer(in Input) []string {
	a := in.Agent
	if a == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", a.Name)
	if a.Role != "" {
		fmt.Fprintf(&b, " (%s)", a.Role)
	}
	b.WriteString(". ")
	if a.Description != "" {
		b.WriteString(a.Description + " ")
	}
	if a.SupervisorID != nil {
		fmt.Fprintf(&b, "Supervisor: %s. ", *a.SupervisorID)
	}
	if a.ReportTo != nil {
		fmt.Fprintf(&b, "Reports to: %s. ", *a.ReportTo)
	}
	if a.CustomRole != nil {
		fmt.Fprintf(&b, "Custom role: %s. ", *a.CustomRole)
	}
	b.WriteString(fmt.Sprintf("To switch which agent identity this session is speaking as, call ai_agent_select with session_id=%s.", in.SessionID))
	return []string{b.String()}
}

// userProfileLayer loads user_profile.json (best-effort; absent file
// is not an error) and surfaces any auto-detected rules.
func userProfileLayer(in Input) []string {
	path := filepath.Join(pathutil.ProjectDir(in.ProjectHash), "user_profile.json")
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	return []string{"User profile notes: " + truncateForDisplay(string(data), 400)}
}

// healthGuardLayer runs HealthGuard (cooldown-gated) and injects
// High/Critical findings; Medium findings surface here too, but only
// on beat % 10 == 0 — non-urgent suggestions don't need to land on
// every prompt.
func healthGuardLayer(in Input) []string {
	if !in.Config.HealthGuard.Enabled {
		return nil
	}
	guard := healthguard.New(in.AgentDataDir)
	cooldown := time.Duration(in.Config.HealthGuard.CooldownSecs) * time.Second
	if !guard.DueNow(cooldown) {
		return nil
	}
	findings, err := healthguard.Run(in.DB, in.DBPath, in.Config)
	if err != nil {
		return nil
	}
	var lines []string
	for _, f := range findings {
		if f.ShouldInject() || (f.Priority == healthguard.PriorityMedium && in.Beat.Beat%10 == 0) {
			lines = append(lines, fmt.Sprintf("[%s/%s] %s — %s", f.Priority, f.Category, f.Message, f.Action))
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return []string{"HealthGuard:\n" + strings.Join(lines, "\n")}
}

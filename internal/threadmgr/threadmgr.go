// Package threadmgr implements the thread lifecycle state machine:
// New/Continue/Fork/Reactivate dispatch plus quota enforcement, split
// into a read-only Decide step and per-decision apply methods.
package threadmgr

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// Decision is the outcome of Decide.
type Decision string

const (
	DecisionContinue   Decision = "continue"
	DecisionFork       Decision = "fork"
	DecisionReactivate Decision = "reactivate"
	DecisionNewThread  Decision = "new_thread"
)

// NewThreadInput is what the processor has in hand when it needs to
// create or extend a thread: the extraction result plus any parent
// hint the coherence gate produced.
type NewThreadInput struct {
	Title      string
	Summary    string
	Topics     []string
	Labels     []string
	Importance float64
	Content    string
	Source     string
	SourceType string
}

// Manager dispatches thread-lifecycle operations against one agent
// database, bounded by quota.
type Manager struct {
	db              *sql.DB
	quota           int
	reactivationCap int // set to 3 by New; not read (the retrieval layer in inject applies its own cap of 3)
}

func New(db *sql.DB, quota int) *Manager {
	return &Manager{db: db, quota: quota, reactivationCap: 3}
}

// Decide chooses among Continue/Fork/Reactivate/NewThread, given the
// coherence gate's parent hint (empty
// for Orphan/no-PendingContext captures) and the extraction's topics.
// A hinted parent that is not Active always gives Fork; an Active
// parent gives Fork when none of the topics overlap its own (the
// divergence check), and Continue otherwise.
func (m *Manager) Decide(parentHint string, topics []string) (Decision, *model.Thread, error) {
	if parentHint == "" {
		if reactivated, err := m.findReactivationCandidate(topics); err == nil && reactivated != nil {
			return DecisionReactivate, reactivated, nil
		}
		return DecisionNewThread, nil, nil
	}
	parent, err := threadstore.GetThread(m.db, parentHint)
	if err != nil {
		// Hint pointed at a thread that no longer exists; fall back to
		// a fresh standalone thread rather than failing the capture.
		return DecisionNewThread, nil, nil
	}
	if parent.Status == model.ThreadActive && !m.topicsDiverged(parent.Topics, topics) {
		return DecisionContinue, parent, nil
	}
	return DecisionFork, parent, nil
}

func (m *Manager) topicsDiverged(parentTopics, newTopics []string) bool {
	if len(parentTopics) == 0 || len(newTopics) == 0 {
		return false
	}
	overlap := 0
	for _, t := range newTopics {
		if model.HasFold(parentTopics, t) {
			overlap++
		}
	}
	return overlap == 0
}

// findReactivationCandidate looks for a Suspended/Archived thread
// whose topics overlap enough with the new capture's topics to be the
// same thing resuming. A candidate is returned only while the active
// count plus one stays within quota; no per-cycle reactivation cap is
// applied here.
func (m *Manager) findReactivationCandidate(topics []string) (*model.Thread, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	for _, status := range []model.ThreadStatus{model.ThreadSuspended, model.ThreadArchived} {
		candidates, err := threadstore.ListByStatus(m.db, status)
		if err != nil {
			return nil, err
		}
		best, bestScore := (*model.Thread)(nil), 0.0
		for _, c := range candidates {
			score := topicOverlapScore(c.Topics, topics)
			if score > bestScore {
				best, bestScore = c, score
			}
		}
		if best != nil && bestScore >= 0.5 {
			activeCount, err := threadstore.CountByStatus(m.db, model.ThreadActive)
			if err != nil {
				return nil, err
			}
			if activeCount+1 <= m.quota {
				return best, nil
			}
		}
	}
	return nil, nil
}

func topicOverlapScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	hits := 0
	for _, t := range b {
		if model.HasFold(a, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(b))
}

// ContinueThread appends a message to an active thread, bumps
// activation_count, refreshes last_active, and lightly boosts weight
// if it had decayed.
func (m *Manager) ContinueThread(thread *model.Thread, msg *model.ThreadMessage) error {
	thread.ActivationCount++
	thread.LastActive = time.Now().UTC()
	if thread.Weight < 0.5 {
		thread.Weight = clamp01(thread.Weight + 0.1)
	}
	if err := threadstore.UpdateThread(m.db, thread); err != nil {
		return err
	}
	msg.ThreadID = thread.ID
	return threadstore.InsertMessage(m.db, msg)
}

// ForkThread creates a new Active child thread referencing parent as
// parent_id, keeping parent's child_ids cache in sync.
func (m *Manager) ForkThread(parent *model.Thread, in NewThreadInput) (*model.Thread, error) {
	child := newThreadFromInput(in)
	child.ParentID = &parent.ID
	child.OriginType = "split"
	if err := threadstore.InsertThread(m.db, child); err != nil {
		return nil, err
	}
	if err := threadstore.AppendChild(m.db, parent.ID, child.ID); err != nil {
		return nil, err
	}
	if err := m.appendFirstMessage(child.ID, in); err != nil {
		return nil, err
	}
	return child, nil
}

// ReactivateThread moves a Suspended/Archived thread back to Active,
// records the injection/activation bookkeeping, and appends the
// triggering message.
func (m *Manager) ReactivateThread(thread *model.Thread, in NewThreadInput) error {
	if thread.Status == model.ThreadActive {
		return cortexerr.Wrap(cortexerr.ErrInvariant, "threadmgr.ReactivateThread",
			fmt.Errorf("thread %s already active", thread.ID))
	}
	thread.Status = model.ThreadActive
	thread.LastActive = time.Now().UTC()
	thread.ActivationCount++
	RecordInjection(thread)
	if err := threadstore.UpdateThread(m.db, thread); err != nil {
		return err
	}
	return m.appendFirstMessage(thread.ID, in)
}

// NewThread creates a fresh Active thread, enforcing quota first.
func (m *Manager) NewThread(in NewThreadInput) (*model.Thread, int, error) {
	suspended, err := m.EnforceQuota()
	if err != nil && !isQuotaExhausted(err) {
		return nil, suspended, err
	}
	t := newThreadFromInput(in)
	if insertErr := threadstore.InsertThread(m.db, t); insertErr != nil {
		return nil, suspended, insertErr
	}
	if msgErr := m.appendFirstMessage(t.ID, in); msgErr != nil {
		return nil, suspended, msgErr
	}
	return t, suspended, err // err carries QuotaExhausted, non-nil only on the soft-fail path
}

func newThreadFromInput(in NewThreadInput) *model.Thread {
	now := time.Now().UTC()
	return &model.Thread{
		Title:          in.Title,
		Status:         model.ThreadActive,
		Summary:        in.Summary,
		OriginType:     "prompt",
		Weight:         1.0,
		Importance:     in.Importance,
		RelevanceScore: 1.0,
		Topics:         model.DedupeFold(in.Topics),
		Labels:         model.DedupeFold(in.Labels),
		CreatedAt:      now,
		LastActive:     now,
	}
}

func (m *Manager) appendFirstMessage(threadID string, in NewThreadInput) error {
	return threadstore.InsertMessage(m.db, &model.ThreadMessage{
		ThreadID:   threadID,
		Content:    in.Content,
		Source:     in.Source,
		SourceType: in.SourceType,
		Timestamp:  time.Now().UTC(),
	})
}

// RecordInjection bumps a thread's injection count, called both by
// Reactivate and directly by the injection pipeline's memory-retrieval
// layer for threads that were already Active.
func RecordInjection(t *model.Thread) {
	if t.InjectionStats == nil {
		t.InjectionStats = &model.InjectionStats{}
	}
	t.InjectionStats.InjectionCount++
	t.InjectionStats.LastInjectedAt = time.Now().UTC()
}

// RecordUsage bumps a thread's used count, called by the IPC
// injection_usage method when an agent reports it actually acted on a
// previously-injected thread. Kept separate from RecordInjection so
// the maintenance loop's injection-decay task can tell "surfaced" from
// "surfaced and used" apart.
func RecordUsage(t *model.Thread) {
	if t.InjectionStats == nil {
		t.InjectionStats = &model.InjectionStats{}
	}
	t.InjectionStats.UsedCount++
}

// EnforceQuota demotes the oldest low-weight Active threads until the
// active count is at or below quota, skipping protected threads
// (__pin__/__focus__/__shared__ tags, or manually_set importance)
// unless no other candidate exists, in which case it returns an error
// wrapping cortexerr.ErrInvariant (message "ErrQuotaExhausted: ...") while the caller
// is still free to create the new thread — the constraint is soft by
// default.
func (m *Manager) EnforceQuota() (int, error) {
	active, err := threadstore.ListByStatus(m.db, model.ThreadActive)
	if err != nil {
		return 0, err
	}
	if len(active) < m.quota {
		return 0, nil
	}
	overBy := len(active) - m.quota + 1

	sort.Slice(active, func(i, j int) bool {
		if active[i].Weight != active[j].Weight {
			return active[i].Weight < active[j].Weight
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	suspended := 0
	var unprotectedExhausted = true
	for _, t := range active {
		if suspended >= overBy {
			break
		}
		if t.IsProtected() {
			continue
		}
		unprotectedExhausted = false
		t.Status = model.ThreadSuspended
		if err := threadstore.UpdateThread(m.db, t); err != nil {
			return suspended, err
		}
		suspended++
	}
	if suspended < overBy {
		if unprotectedExhausted || suspended == 0 {
			return suspended, cortexerr.Wrap(cortexerr.ErrInvariant, "threadmgr.EnforceQuota",
				fmt.Errorf("ErrQuotaExhausted: all active threads protected"))
		}
	}
	return suspended, nil
}

func isQuotaExhausted(err error) bool {
	return err != nil && errors.Is(err, cortexerr.ErrInvariant)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

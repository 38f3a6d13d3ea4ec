package threadmgr

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

func openAgentDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	require.NoError(t, storedb.MigrateAgentDB(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func insertActive(t *testing.T, db *sql.DB, weight float64, protected bool) *model.Thread {
	t.Helper()
	th := &model.Thread{
		Title:  "thread",
		Status: model.ThreadActive,
		Weight: weight,
	}
	if protected {
		th.Tags = []string{model.TagPin}
	}
	require.NoError(t, threadstore.InsertThread(db, th))
	return th
}

// TestEnforceQuota_SuspendsLowestWeightFirst: once enforcement runs,
// either the active count is at/under quota or every remaining active
// thread is protected.
func TestEnforceQuota_SuspendsLowestWeightFirst(t *testing.T) {
	db := openAgentDB(t)
	for i := 0; i < 15; i++ {
		insertActive(t, db, float64(i)/20.0, false)
	}
	mgr := New(db, 15)

	// A 16th thread would push the agent over quota; EnforceQuota is
	// called the way NewThread calls it, before insertion.
	suspended, err := mgr.EnforceQuota()
	require.NoError(t, err)
	require.Equal(t, 1, suspended)

	active, err := threadstore.ListByStatus(db, model.ThreadActive)
	require.NoError(t, err)
	require.Len(t, active, 14)

	suspendedThreads, err := threadstore.ListByStatus(db, model.ThreadSuspended)
	require.NoError(t, err)
	require.Len(t, suspendedThreads, 1)
	// The lowest-weight thread (index 0, weight 0) must be the one suspended.
	require.InDelta(t, 0.0, suspendedThreads[0].Weight, 1e-9)
}

// TestEnforceQuota_ProtectedThreadsAreSkipped confirms the soft-fail
// path: if every over-quota candidate is protected, EnforceQuota
// suspends nothing and returns the ErrQuotaExhausted error (which
// NewThread treats as soft) rather than silently demoting a pinned
// thread.
func TestEnforceQuota_ProtectedThreadsAreSkipped(t *testing.T) {
	db := openAgentDB(t)
	for i := 0; i < 5; i++ {
		insertActive(t, db, 0.1, true)
	}
	mgr := New(db, 5)

	suspended, err := mgr.EnforceQuota()
	require.Error(t, err)
	require.Equal(t, 0, suspended)

	active, err := threadstore.ListByStatus(db, model.ThreadActive)
	require.NoError(t, err)
	require.Len(t, active, 5)
}

// TestThreadLifecycle_ReactivateRestoresActive walks a thread through
// Active → Suspended → Archived → Active, checking the id survives and
// activation_count only ever grows.
func TestThreadLifecycle_ReactivateRestoresActive(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)

	th, _, err := mgr.NewThread(NewThreadInput{
		Title: "lifecycle", Topics: []string{"pool"}, Content: "first capture", Source: "test",
	})
	require.NoError(t, err)
	startCount := th.ActivationCount

	th.Status = model.ThreadSuspended
	require.NoError(t, threadstore.UpdateThread(db, th))
	th.Status = model.ThreadArchived
	require.NoError(t, threadstore.UpdateThread(db, th))

	require.NoError(t, mgr.ReactivateThread(th, NewThreadInput{Content: "resumed", Source: "test"}))

	got, err := threadstore.GetThread(db, th.ID)
	require.NoError(t, err)
	require.Equal(t, model.ThreadActive, got.Status)
	require.Greater(t, got.ActivationCount, startCount)
	require.NotNil(t, got.InjectionStats)
}

func TestReactivateThread_RejectsAlreadyActive(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)
	th := insertActive(t, db, 0.5, false)

	err := mgr.ReactivateThread(th, NewThreadInput{Content: "x", Source: "test"})
	require.Error(t, err)
}

func TestDecide_ContinueVersusFork(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)

	parent := &model.Thread{Title: "parent", Status: model.ThreadActive, Topics: []string{"quota", "pool"}}
	require.NoError(t, threadstore.InsertThread(db, parent))

	// Overlapping topics on an active parent: continue.
	decision, candidate, err := mgr.Decide(parent.ID, []string{"quota"})
	require.NoError(t, err)
	require.Equal(t, DecisionContinue, decision)
	require.Equal(t, parent.ID, candidate.ID)

	// Fully diverged topics: fork a child instead.
	decision, _, err = mgr.Decide(parent.ID, []string{"webgl"})
	require.NoError(t, err)
	require.Equal(t, DecisionFork, decision)

	// A suspended parent can't be continued either.
	parent.Status = model.ThreadSuspended
	require.NoError(t, threadstore.UpdateThread(db, parent))
	decision, _, err = mgr.Decide(parent.ID, []string{"quota"})
	require.NoError(t, err)
	require.Equal(t, DecisionFork, decision)
}

func TestDecide_MissingHintFallsBackToNewThread(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)

	decision, _, err := mgr.Decide("deleted-thread-id", []string{"x"})
	require.NoError(t, err)
	require.Equal(t, DecisionNewThread, decision)
}

func TestForkThread_LinksParentAndChild(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)

	parent := &model.Thread{Title: "parent", Status: model.ThreadActive, Topics: []string{"a"}}
	require.NoError(t, threadstore.InsertThread(db, parent))

	child, err := mgr.ForkThread(parent, NewThreadInput{Title: "child", Content: "c", Source: "test"})
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	require.Equal(t, parent.ID, *child.ParentID)

	gotParent, err := threadstore.GetThread(db, parent.ID)
	require.NoError(t, err)
	require.Contains(t, gotParent.ChildIDs, child.ID)
}

func TestContinueThread_BoostsDecayedWeight(t *testing.T) {
	db := openAgentDB(t)
	mgr := New(db, 15)
	th := insertActive(t, db, 0.2, false)

	require.NoError(t, mgr.ContinueThread(th, &model.ThreadMessage{Content: "more", Source: "test"}))

	got, err := threadstore.GetThread(db, th.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.3, got.Weight, 1e-9)
	require.Equal(t, 1, got.ActivationCount)

	msgs, err := threadstore.ListMessages(db, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRecordInjectionAndUsage_AreIndependentCounters(t *testing.T) {
	th := &model.Thread{}
	RecordInjection(th)
	RecordInjection(th)
	require.Equal(t, 2, th.InjectionStats.InjectionCount)
	require.Equal(t, 0, th.InjectionStats.UsedCount)

	RecordUsage(th)
	require.Equal(t, 2, th.InjectionStats.InjectionCount)
	require.Equal(t, 1, th.InjectionStats.UsedCount)
}

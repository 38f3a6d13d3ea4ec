package maintenance

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pool"
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

// TestDecayUnusedInjections_PenalizesIgnoredThreads: a thread
// injected past the configured minimum but never
// used loses relevance_score down to the configured floor, while a
// thread that was used at least once is left untouched.
func TestDecayUnusedInjections_PenalizesIgnoredThreads(t *testing.T) {
	db := openAgentDB(t)
	snap := config.Defaults().Snapshot()

	ignored := &model.Thread{
		Title:          "ignored",
		Status:         model.ThreadActive,
		RelevanceScore: 1.0,
		InjectionStats: &model.InjectionStats{InjectionCount: 10, UsedCount: 0},
	}
	used := &model.Thread{
		Title:          "used",
		Status:         model.ThreadActive,
		RelevanceScore: 1.0,
		InjectionStats: &model.InjectionStats{InjectionCount: 10, UsedCount: 2},
	}
	require.NoError(t, threadstore.InsertThread(db, ignored))
	require.NoError(t, threadstore.InsertThread(db, used))

	require.NoError(t, decayUnusedInjections(db, &snap))

	got, err := threadstore.GetThread(db, ignored.ID)
	require.NoError(t, err)
	require.Less(t, got.RelevanceScore, 1.0)
	require.GreaterOrEqual(t, got.RelevanceScore, snap.InjectionDecay.Floor)

	gotUsed, err := threadstore.GetThread(db, used.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, gotUsed.RelevanceScore)
}

// TestDecayUnusedInjections_FloorsOutRepeatedPenalties confirms
// repeated cycles never push relevance_score below the configured floor.
func TestDecayUnusedInjections_FloorsOutRepeatedPenalties(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()

	th := &model.Thread{
		Title:          "ignored",
		Status:         model.ThreadActive,
		RelevanceScore: 0.15,
		InjectionStats: &model.InjectionStats{InjectionCount: 20, UsedCount: 0},
	}
	require.NoError(t, threadstore.InsertThread(db, th))

	for i := 0; i < 5; i++ {
		require.NoError(t, decayUnusedInjections(db, &cfg))
	}

	got, err := threadstore.GetThread(db, th.ID)
	require.NoError(t, err)
	require.Equal(t, cfg.InjectionDecay.Floor, got.RelevanceScore)
}

func backdate(t *testing.T, db *sql.DB, th *model.Thread, age time.Duration) {
	t.Helper()
	th.LastActive = time.Now().UTC().Add(-age)
	require.NoError(t, threadstore.UpdateThread(db, th))
}

// TestRunDecay_HalvesWeightAtHalfLife: a thread idle for exactly one
// half-life loses half its weight; a protected thread is untouched.
func TestRunDecay_HalvesWeightAtHalfLife(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()

	plain := &model.Thread{Title: "plain", Status: model.ThreadActive, Weight: 1.0}
	pinned := &model.Thread{Title: "pinned", Status: model.ThreadActive, Weight: 1.0, Tags: []string{model.TagPin}}
	require.NoError(t, threadstore.InsertThread(db, plain))
	require.NoError(t, threadstore.InsertThread(db, pinned))
	halfLife := time.Duration(cfg.Decay.HalfLifeHours * float64(time.Hour))
	backdate(t, db, plain, halfLife)
	backdate(t, db, pinned, halfLife)

	require.NoError(t, runDecay(db, &cfg))

	got, err := threadstore.GetThread(db, plain.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.5, got.Weight, 0.01)

	gotPinned, err := threadstore.GetThread(db, pinned.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, gotPinned.Weight)
}

// TestRunArchive_MovesStaleSuspendedThreads: suspended threads past
// the archive window become Archived; fresher ones and Active threads
// stay where they are.
func TestRunArchive_MovesStaleSuspendedThreads(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()
	window := time.Duration(cfg.Decay.ArchiveAfterHours * float64(time.Hour))

	stale := &model.Thread{Title: "stale", Status: model.ThreadSuspended, Weight: 0.4}
	fresh := &model.Thread{Title: "fresh", Status: model.ThreadSuspended, Weight: 0.4}
	active := &model.Thread{Title: "active", Status: model.ThreadActive, Weight: 0.4}
	require.NoError(t, threadstore.InsertThread(db, stale))
	require.NoError(t, threadstore.InsertThread(db, fresh))
	require.NoError(t, threadstore.InsertThread(db, active))
	backdate(t, db, stale, window+time.Hour)
	backdate(t, db, active, window+time.Hour)

	require.NoError(t, runArchive(db, &cfg))

	archived, err := threadstore.ListByStatus(db, model.ThreadArchived)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, stale.ID, archived[0].ID)

	activeLeft, err := threadstore.ListByStatus(db, model.ThreadActive)
	require.NoError(t, err)
	require.Len(t, activeLeft, 1)
}

// TestRunGossip_BridgesThreadsSharingConcepts: two threads sharing two
// concepts get one gossip bridge; the cap bounds bridges per cycle.
func TestRunGossip_BridgesThreadsSharingConcepts(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()

	a := &model.Thread{Title: "a", Status: model.ThreadActive, Topics: []string{"quota", "memory"}}
	b := &model.Thread{Title: "b", Status: model.ThreadActive, Topics: []string{"quota", "memory", "pool"}}
	c := &model.Thread{Title: "c", Status: model.ThreadActive, Topics: []string{"frontend"}}
	for _, th := range []*model.Thread{a, b, c} {
		require.NoError(t, threadstore.InsertThread(db, th))
	}

	require.NoError(t, runGossip(db, &cfg))

	bridges, err := threadstore.ListAllBridges(db)
	require.NoError(t, err)
	require.Len(t, bridges, 1)
	require.Equal(t, "gossip", bridges[0].CreatedBy)
	require.ElementsMatch(t, []string{"quota", "memory"}, bridges[0].SharedConcepts)

	// A second cycle must not duplicate the existing bridge.
	require.NoError(t, runGossip(db, &cfg))
	bridges, err = threadstore.ListAllBridges(db)
	require.NoError(t, err)
	require.Len(t, bridges, 1)
}

// TestAutoMerge_FoldsHighWeightPairs: a gossip bridge past the auto
// threshold folds the lighter thread into the heavier one; a
// split-locked pair is left alone.
func TestAutoMerge_FoldsHighWeightPairs(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()

	heavy := &model.Thread{Title: "heavy", Status: model.ThreadActive, Weight: 0.9, Topics: []string{"quota"}}
	light := &model.Thread{Title: "light", Status: model.ThreadActive, Weight: 0.3, Topics: []string{"enforcement"}}
	require.NoError(t, threadstore.InsertThread(db, heavy))
	require.NoError(t, threadstore.InsertThread(db, light))
	require.NoError(t, threadstore.InsertMessage(db, &model.ThreadMessage{
		ThreadID: light.ID, Content: "captured on the light side", Source: "test",
	}))
	require.NoError(t, threadstore.InsertBridge(db, &model.Bridge{
		SourceID: light.ID, TargetID: heavy.ID, RelationType: model.RelationMergeProposal,
		Status: model.BridgeActive, CreatedBy: "gossip", Weight: cfg.Gossip.MergeAutoThreshold + 0.05,
	}))

	require.NoError(t, autoMerge(db, &cfg))

	gotLight, err := threadstore.GetThread(db, light.ID)
	require.NoError(t, err)
	require.Equal(t, model.ThreadArchived, gotLight.Status)
	require.NotNil(t, gotLight.ParentID)
	require.Equal(t, heavy.ID, *gotLight.ParentID)

	gotHeavy, err := threadstore.GetThread(db, heavy.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"quota", "enforcement"}, gotHeavy.Topics)

	msgs, err := threadstore.ListMessages(db, heavy.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	bridges, err := threadstore.ListBridgesByStatus(db, model.BridgeMerged)
	require.NoError(t, err)
	require.Len(t, bridges, 1)
}

func TestAutoMerge_SkipsSplitLockedThreads(t *testing.T) {
	db := openAgentDB(t)
	cfg := config.Defaults().Snapshot()

	a := &model.Thread{Title: "a", Status: model.ThreadActive, Weight: 0.9, SplitLocked: true}
	b := &model.Thread{Title: "b", Status: model.ThreadActive, Weight: 0.3}
	require.NoError(t, threadstore.InsertThread(db, a))
	require.NoError(t, threadstore.InsertThread(db, b))
	require.NoError(t, threadstore.InsertBridge(db, &model.Bridge{
		SourceID: b.ID, TargetID: a.ID, RelationType: model.RelationMergeProposal,
		Status: model.BridgeActive, CreatedBy: "gossip", Weight: 0.95,
	}))

	require.NoError(t, autoMerge(db, &cfg))

	gotB, err := threadstore.GetThread(db, b.ID)
	require.NoError(t, err)
	require.Equal(t, model.ThreadActive, gotB.Status)
}

func TestBackfillConcepts(t *testing.T) {
	db := openAgentDB(t)

	bare := &model.Thread{Title: "bare", Status: model.ThreadActive, Topics: []string{"alpha"}, Labels: []string{"beta"}}
	has := &model.Thread{Title: "has", Status: model.ThreadActive, Topics: []string{"x"}, Concepts: []string{"existing"}}
	require.NoError(t, threadstore.InsertThread(db, bare))
	require.NoError(t, threadstore.InsertThread(db, has))

	require.NoError(t, backfillConcepts(db))

	got, err := threadstore.GetThread(db, bare.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, got.Concepts)

	gotHas, err := threadstore.GetThread(db, has.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"existing"}, gotHas.Concepts)
}

// TestRunTask_RecoversPanicAndContinues ensures one task's panic is
// contained: *panicked is set but the call itself never propagates.
func TestRunTask_RecoversPanicAndContinues(t *testing.T) {
	panicked := false
	key := pool.AgentKey{ProjectHash: "p", AgentID: "a"}
	require.NotPanics(t, func() {
		runTask(key, "boom", &panicked, func() error { panic("synthetic") })
	})
	require.True(t, panicked)
}

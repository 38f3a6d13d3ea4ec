// Package maintenance runs the daemon's periodic per-agent upkeep
// cycle: beat tick, quota sync, gossip, decay, archive, inbox/dead-
// letter cleanup, concept-index backfill, orphan bridge cleanup, WAL
// checkpoint, and scheduled backups. Backup scheduling is a cron
// expression evaluated with gronx each cycle.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/cortexd/internal/beat"
	"github.com/nextlevelbuilder/cortexd/internal/concepts"
	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/pool"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/sharedstore"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/telemetry"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// conceptBackfillEvery gates the concept backfill to run only once
// every this-many beats — once a day at the default five-minute cycle.
const conceptBackfillEvery = 288

// minGossipShared is the minimum number of shared concepts two threads
// need before the gossip task proposes a bridge between them.
const minGossipShared = 2

// Loop drives the maintenance cycle across every agent the pool
// currently has open, plus registry-wide and host-wide bookkeeping.
type Loop struct {
	Pool     *pool.Pool
	Registry *registry.Store
	ConfigFn func() config.GuardianConfig
	Interval time.Duration
	DataDir  string

	lastBackupRun time.Time
	cron          gronx.Gronx
}

func New(p *pool.Pool, reg *registry.Store, configFn func() config.GuardianConfig, dataDir string, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Loop{Pool: p, Registry: reg, ConfigFn: configFn, DataDir: dataDir, Interval: interval, cron: gronx.New()}
}

// Run blocks, ticking Cycle every l.Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cycle(ctx)
		}
	}
}

// Cycle runs one full maintenance pass.
func (l *Loop) Cycle(ctx context.Context) {
	_, span := telemetry.Tracer.Start(ctx, "maintenance.cycle")
	defer span.End()

	cfg := l.ConfigFn()
	for _, key := range l.Pool.ActiveKeys() {
		if l.Pool.IsLocked(key) {
			continue
		}
		l.cycleAgentSafe(key, &cfg)
	}
	if evicted := l.Pool.EvictIdle(); evicted > 0 {
		slog.Info("maintenance.evicted_idle_connections", "count", evicted)
	}
	l.maybeBackup(&cfg)
}

// cycleAgentSafe isolates one agent's cycle from the rest of the walk:
// a panic surfacing past cycleAgent's own per-task recovery (e.g. from
// beat.Load's JSON decode) must not stop the loop from reaching the
// next agent in ActiveKeys.
func (l *Loop) cycleAgentSafe(key pool.AgentKey, cfg *config.GuardianConfig) {
	defer func() {
		if r := recover(); r != nil {
			l.Pool.ForceEvict(key)
			slog.Error("maintenance.cycle_agent_panic",
				"project_hash", key.ProjectHash, "agent_id", key.AgentID, "recovered", r)
		}
	}()
	if err := l.cycleAgent(key, cfg); err != nil {
		slog.Warn("maintenance.cycle_agent_failed",
			"project_hash", key.ProjectHash, "agent_id", key.AgentID, "error", err)
	}
}

// cycleAgent runs the full per-agent task sequence: beat tick, then
// gossip → decay/archive → inbox expiry → work-context decay →
// (periodic) concept backfill → orphan bridge cleanup → WAL checkpoint.
func (l *Loop) cycleAgent(key pool.AgentKey, cfg *config.GuardianConfig) error {
	dataDir := pathutil.AgentDataDir(key.ProjectHash, key.AgentID)
	beatPath := filepath.Join(dataDir, "beat.json")
	st, err := beat.Load(beatPath)
	if err != nil {
		return err
	}
	st.Increment()

	// Re-read the quota from the registry each cycle so a thread-mode
	// change lands in both the beat file and the pool's cache.
	l.Pool.RefreshQuota(key)
	st.Quota = l.Pool.GetThreadQuota(key)

	panicked := false
	runErr := l.Pool.WithConn(key, func(db *sql.DB) error {
		runTask(key, "gossip", &panicked, func() error { return runGossip(db, cfg) })
		runTask(key, "decay", &panicked, func() error { return runDecay(db, cfg) })
		runTask(key, "archive", &panicked, func() error { return runArchive(db, cfg) })
		runTask(key, "expire_inbox", &panicked, func() error {
			_, err := threadstore.ExpireInbox(db, time.Now().UTC())
			return err
		})
		runTask(key, "work_context_decay", &panicked, func() error { return decayWorkContext(db) })
		runTask(key, "injection_decay", &panicked, func() error { return decayUnusedInjections(db, cfg) })
		if st.Beat%conceptBackfillEvery == 0 {
			runTask(key, "concept_backfill", &panicked, func() error { return backfillConcepts(db) })
		}
		runTask(key, "orphan_bridges", &panicked, func() error {
			_, err := threadstore.DeleteOrphanBridges(db)
			return err
		})
		runTask(key, "shared_orphans", &panicked, func() error { return cleanSharedOrphans(db, key) })
		runTask(key, "wal_checkpoint", &panicked, func() error { return storedb.Checkpoint(db) })
		return nil
	})
	if runErr != nil {
		return runErr
	}
	if panicked {
		l.Pool.ForceEvict(key)
	}

	for _, wake := range st.DrainDueWakes() {
		slog.Info("maintenance.wake_due", "agent_id", key.AgentID, "reason", wake.Reason)
	}
	return st.Save()
}

// runTask runs one maintenance task inside a recover block so a panic
// in, say, gossip never prevents decay/archive/checkpoint from still
// running this cycle for this agent — every per-agent task is
// independently recover-wrapped. A panicked task sets *panicked so the
// caller force-evicts the connection afterward, the same quarantine
// the capture-worker panic path uses.
func runTask(key pool.AgentKey, name string, panicked *bool, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			*panicked = true
			slog.Error("maintenance.task_panic",
				"project_hash", key.ProjectHash, "agent_id", key.AgentID, "task", name, "recovered", r)
		}
	}()
	if err := fn(); err != nil {
		slog.Warn("maintenance.task_failed",
			"project_hash", key.ProjectHash, "agent_id", key.AgentID, "task", name, "error", err)
	}
}

// runGossip builds a transient concept index over every Active thread
// and proposes bridges between threads sharing enough concepts; a pair
// that already has a gossip bridge is left unchanged (no
// reinforcement). Concept co-occurrence is the signal; embedding-cosine
// gossip stays off until an embedding runtime is configured.
func runGossip(db *sql.DB, cfg *config.GuardianConfig) error {
	if cfg.Gossip.MergeMaxPerCycle <= 0 {
		return nil
	}
	active, err := threadstore.ListByStatus(db, model.ThreadActive)
	if err != nil {
		return err
	}
	idx := concepts.New()
	for _, t := range active {
		all := append(append(append([]string{}, t.Topics...), t.Labels...), t.Concepts...)
		idx.Insert(t.ID, all)
	}

	byID := make(map[string]*model.Thread, len(active))
	for _, t := range active {
		byID[t.ID] = t
	}

	created := 0
	for _, pair := range idx.Pairs(minGossipShared) {
		if created >= cfg.Gossip.MergeMaxPerCycle {
			break
		}
		a, b := byID[pair.A], byID[pair.B]
		if a == nil || b == nil {
			continue
		}
		existing, err := threadstore.ListBridgesByCreator(db, "gossip", 0, 1.01)
		if err != nil {
			return err
		}
		if bridgeExists(existing, a.ID, b.ID) {
			continue
		}
		confidence := float64(len(pair.Shared)) / float64(minShared(len(a.Topics)+len(a.Labels)+len(a.Concepts),
			len(b.Topics)+len(b.Labels)+len(b.Concepts))+1)
		bridge := &model.Bridge{
			SourceID:       a.ID,
			TargetID:       b.ID,
			RelationType:   model.RelationReference,
			Reason:         "gossip: shared concepts",
			SharedConcepts: pair.Shared,
			Confidence:     clamp01(confidence),
			Weight:         cfg.Gossip.MergeEvaluationThreshold,
			Status:         model.BridgeActive,
			CreatedBy:      "gossip",
		}
		if err := threadstore.InsertBridge(db, bridge); err != nil {
			return err
		}
		created++
	}

	return autoMerge(db, cfg)
}

// autoMerge folds thread pairs whose gossip bridge has crossed
// MergeAutoThreshold into one thread, bounded per cycle. Split-locked
// threads are excluded outright: a user-set split is explicit intent
// maintenance must not silently undo.
func autoMerge(db *sql.DB, cfg *config.GuardianConfig) error {
	candidates, err := threadstore.ListBridgesByCreator(db, "gossip", cfg.Gossip.MergeAutoThreshold, 1.01)
	if err != nil {
		return err
	}
	merged := 0
	for _, br := range candidates {
		if merged >= cfg.Gossip.MergeMaxPerCycle {
			break
		}
		src, errSrc := threadstore.GetThread(db, br.SourceID)
		dst, errDst := threadstore.GetThread(db, br.TargetID)
		if errSrc != nil || errDst != nil {
			continue // orphan cleanup will collect this bridge
		}
		if src.SplitLocked || dst.SplitLocked {
			continue
		}
		// Fold the lighter thread into the heavier one.
		if src.Weight > dst.Weight {
			src, dst = dst, src
		}
		if err := mergeThreads(db, dst, src); err != nil {
			return err
		}
		br.Status = model.BridgeMerged
		if err := threadstore.UpdateBridge(db, br); err != nil {
			return err
		}
		merged++
		slog.Info("maintenance.gossip_auto_merge", "into", dst.ID, "from", src.ID, "weight", br.Weight)
	}
	return nil
}

// mergeThreads moves from's messages and metadata into into, then
// archives from.
func mergeThreads(db *sql.DB, into, from *model.Thread) error {
	if err := threadstore.ReassignMessages(db, from.ID, into.ID); err != nil {
		return err
	}
	into.Topics = model.DedupeFold(append(into.Topics, from.Topics...))
	into.Labels = model.DedupeFold(append(into.Labels, from.Labels...))
	into.Concepts = model.DedupeFold(append(into.Concepts, from.Concepts...))
	into.ActivationCount += from.ActivationCount
	into.LastActive = time.Now().UTC()
	if err := threadstore.UpdateThread(db, into); err != nil {
		return err
	}
	from.Status = model.ThreadArchived
	from.ParentID = &into.ID
	return threadstore.UpdateThread(db, from)
}

func bridgeExists(bridges []*model.Bridge, a, b string) bool {
	for _, br := range bridges {
		if (br.SourceID == a && br.TargetID == b) || (br.SourceID == b && br.TargetID == a) {
			return true
		}
	}
	return false
}

func minShared(a, b int) int {
	if a < b {
		return a
	}
	return b
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

// runDecay applies exponential weight decay to every Active/Suspended
// thread based on elapsed time since last_active, archiving anything
// that falls below ArchiveBelow. The curve is a half-life:
// weight *= 0.5^(elapsed_hours / half_life_hours).
func runDecay(db *sql.DB, cfg *config.GuardianConfig) error {
	for _, status := range []model.ThreadStatus{model.ThreadActive, model.ThreadSuspended} {
		threads, err := threadstore.ListByStatus(db, status)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, t := range threads {
			if t.IsProtected() {
				continue
			}
			elapsedHours := now.Sub(t.LastActive).Hours()
			if elapsedHours <= 0 {
				continue
			}
			decayed := t.Weight * math.Pow(0.5, elapsedHours/cfg.Decay.HalfLifeHours)
			if decayed < cfg.Decay.MinWeight {
				decayed = cfg.Decay.MinWeight
			}
			t.Weight = decayed
			if t.Weight < cfg.Decay.ArchiveBelow && t.Status != model.ThreadArchived {
				t.Status = model.ThreadArchived
			}
			if err := threadstore.UpdateThread(db, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// runArchive moves Suspended threads that have sat untouched longer
// than ArchiveAfterHours to Archived. Distinct from runDecay's
// weight-floor archiving: a suspended thread can hold a healthy weight
// and still be long abandoned.
func runArchive(db *sql.DB, cfg *config.GuardianConfig) error {
	if cfg.Decay.ArchiveAfterHours <= 0 {
		return nil
	}
	suspended, err := threadstore.ListByStatus(db, model.ThreadSuspended)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.Decay.ArchiveAfterHours * float64(time.Hour)))
	for _, t := range suspended {
		if t.LastActive.After(cutoff) {
			continue
		}
		t.Status = model.ThreadArchived
		if err := threadstore.UpdateThread(db, t); err != nil {
			return err
		}
	}
	return nil
}

// cleanSharedOrphans removes this agent's shared_threads rows whose
// source thread no longer exists in the agent database.
func cleanSharedOrphans(db *sql.DB, key pool.AgentKey) error {
	sharedPath := pathutil.SharedDBPath(key.ProjectHash)
	if _, err := os.Stat(sharedPath); err != nil {
		return nil // project has never shared anything
	}
	sharedDB, err := storedb.Open(sharedPath)
	if err != nil {
		return err
	}
	defer sharedDB.Close()
	if err := storedb.Migrate(sharedDB, storedb.RoleShared); err != nil {
		return err
	}
	all, err := threadstore.ListAll(db)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ID)
	}
	_, err = sharedstore.DeleteOrphanShares(sharedDB, key.AgentID, ids)
	return err
}

// decayWorkContext clears the work_context scratch field off threads
// that have gone stale (no activity in the last 24 hours) —
// work_context is a short-lived annotation, not permanent memory.
func decayWorkContext(db *sql.DB) error {
	active, err := threadstore.ListByStatus(db, model.ThreadActive)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range active {
		if t.WorkContext == nil || *t.WorkContext == "" {
			continue
		}
		if now.Sub(t.LastActive) > 24*time.Hour {
			t.WorkContext = nil
			if err := threadstore.UpdateThread(db, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// decayUnusedInjections decrements relevance_score for threads that
// have been surfaced through injection many times but never actually
// used (InjectionStats.UsedCount == 0), down to cfg.InjectionDecay.Floor.
func decayUnusedInjections(db *sql.DB, cfg *config.GuardianConfig) error {
	all, err := threadstore.ListAll(db)
	if err != nil {
		return err
	}
	for _, t := range all {
		if t.InjectionStats == nil {
			continue
		}
		if t.InjectionStats.InjectionCount < cfg.InjectionDecay.MinInjections {
			continue
		}
		if t.InjectionStats.UsedCount > 0 {
			continue
		}
		decayed := t.RelevanceScore - cfg.InjectionDecay.Penalty
		if decayed < cfg.InjectionDecay.Floor {
			decayed = cfg.InjectionDecay.Floor
		}
		if decayed == t.RelevanceScore {
			continue
		}
		t.RelevanceScore = decayed
		if err := threadstore.UpdateThread(db, t); err != nil {
			return err
		}
	}
	return nil
}

// backfillConcepts derives each thread's concepts field from its
// topics/labels when empty, so older threads created before the
// concept index existed still participate in gossip/Engram retrieval.
func backfillConcepts(db *sql.DB) error {
	all, err := threadstore.ListAll(db)
	if err != nil {
		return err
	}
	for _, t := range all {
		if len(t.Concepts) > 0 {
			continue
		}
		derived := model.DedupeFold(append(append([]string{}, t.Topics...), t.Labels...))
		if len(derived) == 0 {
			continue
		}
		t.Concepts = derived
		if err := threadstore.UpdateThread(db, t); err != nil {
			return err
		}
	}
	return nil
}

// maybeBackup copies every registered project's shared.db when
// cfg.Backup's cron schedule is due, pruning beyond MaxBackups. Agent
// databases are not copied.
func (l *Loop) maybeBackup(cfg *config.GuardianConfig) {
	if !cfg.Backup.Enabled || l.DataDir == "" {
		return
	}
	now := time.Now()
	if now.Sub(l.lastBackupRun) < time.Minute {
		return // gronx IsDue is minute-resolution; avoid re-firing within the same minute
	}
	due, err := l.cron.IsDue(cfg.Backup.Schedule, now)
	if err != nil {
		slog.Warn("maintenance.backup_schedule_invalid", "schedule", cfg.Backup.Schedule, "error", err)
		return
	}
	if !due {
		return
	}
	l.lastBackupRun = now

	projects, err := l.Registry.ListProjects()
	if err != nil {
		slog.Warn("maintenance.backup_list_projects_failed", "error", err)
		return
	}
	for _, p := range projects {
		if err := l.backupProject(p.Hash, cfg.Backup.MaxBackups); err != nil {
			slog.Warn("maintenance.backup_failed", "project_hash", p.Hash, "error", err)
		}
	}
}

func (l *Loop) backupProject(projectHash string, maxBackups int) error {
	src := pathutil.SharedDBPath(projectHash)
	if _, err := os.Stat(src); err != nil {
		return nil // no shared.db yet for this project
	}
	backupDir := filepath.Join(pathutil.ProjectDir(projectHash), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(backupDir, fmt.Sprintf("shared-%s.db", stamp))
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return pruneBackups(backupDir, maxBackups)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func pruneBackups(dir string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) <= maxBackups {
		return nil
	}
	// Entries from os.ReadDir are already sorted by filename, and the
	// timestamp-embedded names sort chronologically.
	excess := len(entries) - maxBackups
	for _, e := range entries[:excess] {
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

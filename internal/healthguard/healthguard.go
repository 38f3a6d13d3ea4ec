// Package healthguard implements the seven memory-health checks
// surfaced through the final injection layer. Thresholds come from
// config.HealthGuardConfig; repeat runs are gated by a per-agent
// cooldown file.
package healthguard

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// Priority is a finding's urgency, partitioning where it surfaces.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Finding is one HealthGuard observation.
type Finding struct {
	Category string
	Message  string
	Action   string // a suggested MCP tool call, e.g. "call memory.merge(...)"
	Priority Priority
}

// ShouldInject reports whether this finding is injected into the
// prompt directly (High/Critical). Low/Medium findings are not
// injected on this path, and no MCP tool lists them.
func (f Finding) ShouldInject() bool {
	return f.Priority == PriorityHigh || f.Priority == PriorityCritical
}

// Guard runs the seven checks against one agent database, honoring a
// per-agent cooldown file so the same sweep doesn't repeat every
// single prompt.
type Guard struct {
	cooldownPath string
}

func New(agentDataDir string) *Guard {
	return &Guard{cooldownPath: filepath.Join(agentDataDir, "healthguard_last.txt")}
}

// DueNow reports whether the cooldown window has elapsed, recording a
// fresh timestamp if so. Call once per prompt before Run.
func (g *Guard) DueNow(cooldown time.Duration) bool {
	data, err := os.ReadFile(g.cooldownPath)
	if err == nil {
		if sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			if time.Since(time.Unix(sec, 0)) < cooldown {
				return false
			}
		}
	}
	_ = os.WriteFile(g.cooldownPath, []byte(strconv.FormatInt(time.Now().Unix(), 10)), 0o644)
	return true
}

// Run executes all seven checks against db using dbPath to measure
// on-disk size for the disk check. The full guardian config is taken
// rather than just the HealthGuard section because the merge-candidate
// band's upper bound is the gossip auto-merge threshold.
func Run(db *sql.DB, dbPath string, guardian config.GuardianConfig) ([]Finding, error) {
	cfg := guardian.HealthGuard
	var findings []Finding

	f, err := capacityCheck(db, cfg)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	f, err = fragmentationCheck(db, cfg)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	f, err = unlabeledCheck(db, cfg)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	f, err = weakBridgesCheck(db, cfg)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	f, err = staleCheck(db, cfg)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	findings = append(findings, diskCheck(dbPath, cfg)...)

	f, err = mergeCandidatesCheck(db, cfg, guardian.Gossip.MergeAutoThreshold)
	if err != nil {
		return nil, err
	}
	findings = append(findings, f...)

	if len(findings) > cfg.MaxSuggestions {
		findings = findings[:cfg.MaxSuggestions]
	}
	return findings, nil
}

func capacityCheck(db *sql.DB, cfg config.HealthGuardConfig) ([]Finding, error) {
	active, err := threadstore.CountByStatus(db, model.ThreadActive)
	if err != nil {
		return nil, err
	}
	quota := cfg.ThreadQuota
	if quota <= 0 {
		quota = 1
	}
	ratio := float64(active) / float64(quota)
	switch {
	case ratio >= cfg.CapacityCriticalPercent:
		return []Finding{{
			Category: "capacity", Priority: PriorityCritical,
			Message: fmt.Sprintf("%d/%d active threads (%.0f%% of quota) — memory is nearly full", active, quota, ratio*100),
			Action:  "call memory.split or memory.merge to free capacity before creating new threads",
		}}, nil
	case ratio >= cfg.CapacityWarningPercent:
		return []Finding{{
			Category: "capacity", Priority: PriorityHigh,
			Message: fmt.Sprintf("%d/%d active threads (%.0f%% of quota)", active, quota, ratio*100),
			Action:  "consider memory.merge on closely related threads",
		}}, nil
	}
	return nil, nil
}

func fragmentationCheck(db *sql.DB, cfg config.HealthGuardConfig) ([]Finding, error) {
	total, err := threadstore.CountAll(db)
	if err != nil || total < cfg.FragmentationMinThreads {
		return nil, err
	}
	single, err := threadstore.SingleMessageThreadCount(db, model.ThreadActive)
	if err != nil {
		return nil, err
	}
	ratio := float64(single) / float64(total)
	if ratio >= cfg.FragmentationRatioThreshold {
		return []Finding{{
			Category: "fragmentation", Priority: PriorityMedium,
			Message: fmt.Sprintf("%.0f%% of threads have only a single message", ratio*100),
			Action:  "call memory.merge on related single-message threads",
		}}, nil
	}
	return nil, nil
}

func unlabeledCheck(db *sql.DB, cfg config.HealthGuardConfig) ([]Finding, error) {
	total, err := threadstore.CountAll(db)
	if err != nil || total < cfg.UnlabeledMinThreads {
		return nil, err
	}
	all, err := threadstore.ListAll(db)
	if err != nil {
		return nil, err
	}
	unlabeled := 0
	for _, t := range all {
		if len(t.Labels) == 0 {
			unlabeled++
		}
	}
	ratio := float64(unlabeled) / float64(total)
	if ratio >= cfg.UnlabeledRatioThreshold {
		return []Finding{{
			Category: "unlabeled", Priority: PriorityLow,
			Message: fmt.Sprintf("%.0f%% of threads have no labels", ratio*100),
			Action:  "call memory.focus and apply labels to improve recall quality",
		}}, nil
	}
	return nil, nil
}

func weakBridgesCheck(db *sql.DB, cfg config.HealthGuardConfig) ([]Finding, error) {
	n, err := threadstore.CountBridgesBelowWeight(db, 0.1)
	if err != nil {
		return nil, err
	}
	if n >= cfg.WeakBridgesThreshold {
		return []Finding{{
			Category: "weak_bridges", Priority: PriorityLow,
			Message: fmt.Sprintf("%d bridges have decayed below weight 0.1", n),
			Action:  "call memory.bridges to review and prune weak connections",
		}}, nil
	}
	return nil, nil
}

func staleCheck(db *sql.DB, cfg config.HealthGuardConfig) ([]Finding, error) {
	active, err := threadstore.ListByStatus(db, model.ThreadActive)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.StaleThreadHours) * time.Hour)
	stale := 0
	for _, t := range active {
		if t.LastActive.Before(cutoff) {
			stale++
		}
	}
	if stale >= cfg.StaleThreadCountThreshold {
		return []Finding{{
			Category: "stale", Priority: PriorityMedium,
			Message: fmt.Sprintf("%d active threads haven't been touched in over %d hours", stale, cfg.StaleThreadHours),
			Action:  "call memory.threads to review and archive stale items",
		}}, nil
	}
	return nil, nil
}

func diskCheck(dbPath string, cfg config.HealthGuardConfig) []Finding {
	info, err := os.Stat(dbPath)
	if err != nil {
		return nil
	}
	if uint64(info.Size()) >= cfg.DiskWarningBytes {
		return []Finding{{
			Category: "disk", Priority: PriorityMedium,
			Message: fmt.Sprintf("agent database is %d bytes, above the %d byte warning threshold", info.Size(), cfg.DiskWarningBytes),
			Action:  "run the daemon's backup/prune maintenance to reclaim space",
		}}
	}
	return nil
}

// mergeCandidatesCheck surfaces gossip bridges strong enough to be
// worth merging by hand but still below the auto-merge threshold the
// maintenance loop acts on unprompted.
func mergeCandidatesCheck(db *sql.DB, cfg config.HealthGuardConfig, autoThreshold float64) ([]Finding, error) {
	bridges, err := threadstore.ListBridgesByCreator(db, "gossip", 0.60, autoThreshold)
	if err != nil {
		return nil, err
	}
	if len(bridges) == 0 {
		return nil, nil
	}
	n := len(bridges)
	if n > cfg.MaxMergeCandidates {
		n = cfg.MaxMergeCandidates
	}
	return []Finding{{
		Category: "merge_candidates", Priority: PriorityLow,
		Message: fmt.Sprintf("%d thread pairs look related enough to merge", n),
		Action:  "call memory.merge on the suggested bridge pairs",
	}}, nil
}

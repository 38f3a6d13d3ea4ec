// Package config loads and hot-reloads the daemon's GuardianConfig —
// the single process-wide tunable document read fresh by every capture
// job and every maintenance cycle. A Watcher layers fsnotify-driven
// hot reload on top of the per-job reload baseline.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// GuardianConfig is the root tunable document, persisted as config.json
// (parsed permissively via json5 so hand-edited config survives trailing
// commas and comments).
type GuardianConfig struct {
	mu sync.RWMutex

	Extraction       ExtractionConfig       `json:"extraction"`
	Coherence        CoherenceConfig        `json:"coherence"`
	Gossip           GossipConfig           `json:"gossip"`
	Decay            DecayConfig            `json:"decay"`
	LabelSuggestion  LabelSuggestionConfig  `json:"label_suggestion"`
	ImportanceRating ImportanceRatingConfig `json:"importance_rating"`
	HealthGuard      HealthGuardConfig      `json:"healthguard"`
	Backup           BackupConfig           `json:"backup"`
	Injection        InjectionConfig        `json:"injection"`
	Engram           EngramConfig           `json:"engram"`
	Telemetry        TelemetryConfig        `json:"telemetry"`
	InjectionDecay   InjectionDecayConfig   `json:"injection_decay"`
}

// InjectionDecayConfig tunes the maintenance loop's injection-decay
// task: a thread surfaced through injection many times but never
// actually used loses relevance_score, down to a floor, so the Engram
// retriever stops favoring memory the agent demonstrably ignores.
type InjectionDecayConfig struct {
	MinInjections int     `json:"min_injections"`
	Penalty       float64 `json:"penalty"`
	Floor         float64 `json:"floor"`
}

// LLMModelConfig names the subprocess model used for extraction and
// relevance-gate calls.
type LLMModelConfig struct {
	Model string `json:"model"`
}

func (m LLMModelConfig) AsCLIFlag() string {
	if m.Model == "" {
		return "sonnet"
	}
	return m.Model
}

type ExtractionConfig struct {
	LLM                  LLMModelConfig `json:"llm"`
	MinCaptureLength     int            `json:"min_capture_length"`
	PendingContextTTLSec uint64         `json:"pending_context_ttl_secs"`
	MinPromptLength      int            `json:"min_prompt_length"`
}

type CoherenceConfig struct {
	ChildThreshold  float64 `json:"child_threshold"`
	OrphanThreshold float64 `json:"orphan_threshold"`
}

type EmbeddingConfig struct {
	Mode string `json:"mode"` // "off" | "local" | "provider"
}

type GossipConfig struct {
	Embedding                EmbeddingConfig `json:"embedding"`
	MergeEvaluationThreshold float64         `json:"merge_evaluation_threshold"`
	MergeAutoThreshold       float64         `json:"merge_auto_threshold"`
	MergeMaxPerCycle         int             `json:"merge_max_per_cycle"`
}

type DecayConfig struct {
	HalfLifeHours     float64 `json:"half_life_hours"`
	MinWeight         float64 `json:"min_weight"`
	ArchiveBelow      float64 `json:"archive_below"`
	ArchiveAfterHours float64 `json:"archive_after_hours"`
}

type LabelSuggestionConfig struct {
	Enabled   bool `json:"enabled"`
	MaxLabels int  `json:"max_labels"`
}

type ImportanceRatingConfig struct {
	Enabled bool    `json:"enabled"`
	Default float64 `json:"default"`
}

// HealthGuardConfig holds the thresholds for every periodic health
// check, plus the prompt templates injected when a check fires.
type HealthGuardConfig struct {
	Enabled                     bool               `json:"enabled"`
	CooldownSecs                uint64             `json:"cooldown_secs"`
	MaxSuggestions              int                `json:"max_suggestions"`
	CapacityWarningPercent      float64            `json:"capacity_warning_percent"`
	CapacityCriticalPercent     float64            `json:"capacity_critical_percent"`
	FragmentationRatioThreshold float64            `json:"fragmentation_ratio_threshold"`
	FragmentationMinThreads     int                `json:"fragmentation_min_threads"`
	UnlabeledRatioThreshold     float64            `json:"unlabeled_ratio_threshold"`
	UnlabeledMinThreads         int                `json:"unlabeled_min_threads"`
	WeakBridgesThreshold        int                `json:"weak_bridges_threshold"`
	StaleThreadHours            uint64             `json:"stale_thread_hours"`
	StaleThreadCountThreshold   int                `json:"stale_thread_count_threshold"`
	PoorTitlesThreshold         int                `json:"poor_titles_threshold"`
	DiskWarningBytes            uint64             `json:"disk_warning_bytes"`
	MaxMergeCandidates          int                `json:"max_merge_candidates"`
	ThreadQuota                 int                `json:"thread_quota"`
	Prompts                     HealthGuardPrompts `json:"prompts"`
}

type HealthGuardPrompts struct {
	Header          string `json:"header"`
	CapacityWarning string `json:"capacity_warning"`
	Onboarding      string `json:"onboarding"`
}

type BackupConfig struct {
	Enabled           bool   `json:"enabled"`
	Schedule          string `json:"schedule"` // cron expression, evaluated via gronx
	MaxBackups        int    `json:"max_backups"`
	AutoBackupOnPrune bool   `json:"auto_backup_on_prune"`
}

type InjectionConfig struct {
	MaxContextSizeBytes int `json:"max_context_size_bytes"`
}

type EngramConfig struct {
	MaxResults       int                `json:"max_results"`
	ValidatorWeights map[string]float64 `json:"validator_weights"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	Protocol    string            `json:"protocol"` // "grpc" | "http"
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"service_name"`
	Headers     map[string]string `json:"headers"`
}

// Defaults returns the full tunable document with its shipped values.
// Every threshold here can be overridden from config.json; none are
// read from anywhere else.
func Defaults() *GuardianConfig {
	return &GuardianConfig{
		Extraction: ExtractionConfig{
			LLM:                  LLMModelConfig{Model: "sonnet"},
			MinCaptureLength:     40,
			PendingContextTTLSec: 600,
			MinPromptLength:      12,
		},
		Coherence: CoherenceConfig{
			ChildThreshold:  0.55,
			OrphanThreshold: 0.25,
		},
		Gossip: GossipConfig{
			Embedding:                EmbeddingConfig{Mode: "off"},
			MergeEvaluationThreshold: 0.60,
			MergeAutoThreshold:       0.85,
			MergeMaxPerCycle:         3,
		},
		Decay: DecayConfig{
			HalfLifeHours:     72,
			MinWeight:         0.05,
			ArchiveBelow:      0.10,
			ArchiveAfterHours: 168,
		},
		LabelSuggestion:  LabelSuggestionConfig{Enabled: true, MaxLabels: 5},
		ImportanceRating: ImportanceRatingConfig{Enabled: true, Default: 0.5},
		HealthGuard: HealthGuardConfig{
			Enabled:                     true,
			CooldownSecs:                1800,
			MaxSuggestions:              3,
			CapacityWarningPercent:      0.75,
			CapacityCriticalPercent:     0.90,
			FragmentationRatioThreshold: 0.30,
			FragmentationMinThreads:     8,
			UnlabeledRatioThreshold:     0.40,
			UnlabeledMinThreads:         10,
			WeakBridgesThreshold:        50,
			StaleThreadHours:            168,
			StaleThreadCountThreshold:   5,
			PoorTitlesThreshold:         5,
			DiskWarningBytes:            50_000_000,
			MaxMergeCandidates:          3,
			ThreadQuota:                 50,
		},
		Backup: BackupConfig{
			Enabled:           true,
			Schedule:          "0 3 * * *",
			MaxBackups:        5,
			AutoBackupOnPrune: true,
		},
		Injection: InjectionConfig{MaxContextSizeBytes: 12_000},
		InjectionDecay: InjectionDecayConfig{
			MinInjections: 5,
			Penalty:       0.1,
			Floor:         0.1,
		},
		Engram: EngramConfig{
			MaxResults: 8,
			ValidatorWeights: map[string]float64{
				"concept_overlap": 1.0,
				"recency":         0.8,
				"importance":      0.9,
				"activation":      0.5,
				"label_match":     0.7,
				"work_context":    0.6,
				"split_lock":      0.3,
				"relevance_score": 0.8,
				"tag_boost":       1.2,
			},
		},
	}
}

// Load reads config.json (json5-permissive) from path, falling back to
// Defaults() if the file doesn't exist yet.
func Load(path string) (*GuardianConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ReplaceFrom atomically swaps every field of c with src's values while
// preserving c's own mutex, so handles held by long-lived goroutines
// observe the reload.
func (c *GuardianConfig) ReplaceFrom(src *GuardianConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src.mu.RLock()
	defer src.mu.RUnlock()

	c.Extraction = src.Extraction
	c.Coherence = src.Coherence
	c.Gossip = src.Gossip
	c.Decay = src.Decay
	c.LabelSuggestion = src.LabelSuggestion
	c.ImportanceRating = src.ImportanceRating
	c.HealthGuard = src.HealthGuard
	c.Backup = src.Backup
	c.Injection = src.Injection
	c.Engram = src.Engram
	c.Telemetry = src.Telemetry
	c.InjectionDecay = src.InjectionDecay
}

// Snapshot returns a value copy safe to read without holding the lock
// afterward — the pattern every capture-worker/maintenance task uses to
// get a consistent fresh-per-job config view.
func (c *GuardianConfig) Snapshot() GuardianConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return GuardianConfig{
		Extraction:       c.Extraction,
		Coherence:        c.Coherence,
		Gossip:           c.Gossip,
		Decay:            c.Decay,
		LabelSuggestion:  c.LabelSuggestion,
		ImportanceRating: c.ImportanceRating,
		HealthGuard:      c.HealthGuard,
		Backup:           c.Backup,
		Injection:        c.Injection,
		Engram:           c.Engram,
		Telemetry:        c.Telemetry,
		InjectionDecay:   c.InjectionDecay,
	}
}

// Watcher hot-reloads config from disk on change, layered on top of the
// per-job Load()+Snapshot() baseline as a convenience — a missed fsnotify
// event is harmless since every job reloads fresh anyway.
type Watcher struct {
	path    string
	current *GuardianConfig
	fsw     *fsnotify.Watcher
}

func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		// config.json may not exist yet; hot reload is then off for this
		// Watcher (Run returns at once) and only the per-job reload applies.
		_ = fsw.Close()
		fsw = nil
	}
	return &Watcher{path: path, current: cfg, fsw: fsw}, nil
}

func (w *Watcher) Current() *GuardianConfig {
	return w.current
}

// Run blocks, reloading Current() in place whenever path changes, until
// stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	if w.fsw == nil {
		return
	}
	defer w.fsw.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if fresh, err := Load(w.path); err == nil {
				w.current.ReplaceFrom(fresh)
			}
		case <-w.fsw.Errors:
		}
	}
}
